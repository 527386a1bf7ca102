package domain

import "time"

// WebSocketFrame is one relayed frame on an upgraded exchange. Payload is
// the unmasked copy kept for inspection; the relayed bytes stay verbatim.
type WebSocketFrame struct {
	ID         string    `json:"id"`
	ExchangeID uint64    `json:"exchangeId"`
	Ts         time.Time `json:"ts"`
	Direction  Direction `json:"direction"`
	Opcode     Opcode    `json:"opcode"`
	Payload    []byte    `json:"-"`
	Size       int       `json:"size"`
}
