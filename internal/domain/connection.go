package domain

import "time"

type ConnectionState string

const (
	ConnAwaitingClientHello    ConnectionState = "awaiting_client_hello"
	ConnNegotiatingClientTLS   ConnectionState = "negotiating_client_tls"
	ConnConnectingUpstream     ConnectionState = "connecting_upstream"
	ConnNegotiatingUpstreamTLS ConnectionState = "negotiating_upstream_tls"
	ConnEstablished            ConnectionState = "established"
	ConnClosed                 ConnectionState = "closed"
)

// Connection describes one accepted client connection. Owned by a single
// handling goroutine for its whole lifetime.
type Connection struct {
	ID          string          `json:"id"`
	ClientAddr  string          `json:"clientAddr"`
	CreatedAt   time.Time       `json:"createdAt"`
	State       ConnectionState `json:"state"`
	SNI         string          `json:"sni,omitempty"`
	Protocol    string          `json:"protocol,omitempty"`
	Intercepted bool            `json:"intercepted"`
}
