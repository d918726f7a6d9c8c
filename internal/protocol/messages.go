package protocol

// ConnectStatus is the server's verdict on a ConnectRequest.
type ConnectStatus string

const (
	StatusNewClient          ConnectStatus = "new"
	StatusReturningClient    ConnectStatus = "returning"
	StatusInvalidKey         ConnectStatus = "invalid_key"
	StatusMismatchedProtocol ConnectStatus = "mismatched_protocol"
)

// ---------------------------------------------------------------------------
// Handshake messages (length-prefixed, unencrypted)
// ---------------------------------------------------------------------------

type ConnectRequest struct {
	ClientID string `json:"client_id"`
	Version  int    `json:"version"`
}

type ConnectResponse struct {
	Status ConnectStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// SequenceHeader carries the sender's reader sequence during recovery.
type SequenceHeader struct {
	SequenceNumber int64 `json:"sequence_number"`
}

// CatchupBuffer carries the serialized packets the peer has not yet seen,
// oldest first.
type CatchupBuffer struct {
	Buffer [][]byte `json:"buffer"`
}

// ---------------------------------------------------------------------------
// Session payloads (carried inside packets)
// ---------------------------------------------------------------------------

// InitialPayload is the first packet a new client sends.
type InitialPayload struct {
	Jumphost       bool                       `json:"jumphost"`
	Environment    map[string]string          `json:"environment,omitempty"`
	ReverseTunnels []PortForwardSourceRequest `json:"reverse_tunnels,omitempty"`
}

type InitialResponse struct {
	Error string `json:"error,omitempty"`
}

type TerminalBuffer struct {
	Buffer []byte `json:"buffer"`
}

type TerminalInfo struct {
	ID     string `json:"id,omitempty"`
	Row    int32  `json:"row"`
	Column int32  `json:"column"`
	Width  int32  `json:"width"`
	Height int32  `json:"height"`
}

// TerminalUserInfo registers a terminal host with the server's pipe endpoint.
type TerminalUserInfo struct {
	ID      string `json:"id"`
	Passkey string `json:"passkey"`
}

// ---------------------------------------------------------------------------
// Port forwarding
// ---------------------------------------------------------------------------

// SocketEndpoint names a TCP endpoint. An empty Name means localhost.
type SocketEndpoint struct {
	Name string `json:"name,omitempty"`
	Port int    `json:"port,omitempty"`
}

// PortForwardSourceRequest describes one forward: listen on Source, connect
// to Destination on the far side. EnvironmentVariable is set for forwards
// that name a variable instead of a port.
type PortForwardSourceRequest struct {
	Source              SocketEndpoint `json:"source"`
	Destination         SocketEndpoint `json:"destination"`
	EnvironmentVariable string         `json:"environment_variable,omitempty"`
}

type PortForwardDestinationRequest struct {
	Destination SocketEndpoint `json:"destination"`
	Fd          int32          `json:"fd"`
}

type PortForwardDestinationResponse struct {
	ClientFd int32  `json:"client_fd"`
	SocketID int32  `json:"socket_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

type PortForwardData struct {
	SocketID            int32  `json:"socket_id"`
	SourceToDestination bool   `json:"source_to_destination"`
	Buffer              []byte `json:"buffer,omitempty"`
	Closed              bool   `json:"closed,omitempty"`
	Error               string `json:"error,omitempty"`
}
