package domain

type Direction string

const (
	DirectionClientToServer Direction = "client_to_server"
	DirectionServerToClient Direction = "server_to_client"
)

type Opcode string

const (
	OpcodeText   Opcode = "text"
	OpcodeBinary Opcode = "binary"
	OpcodePing   Opcode = "ping"
	OpcodePong   Opcode = "pong"
	OpcodeClose  Opcode = "close"
)
