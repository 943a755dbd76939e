package engine

// Status is the connection status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further reconnects will be scheduled.
func (s Status) Terminal() bool {
	return s == StatusFailed
}
