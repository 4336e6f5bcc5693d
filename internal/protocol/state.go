package protocol

// ConnState is the client's connection state. It is exactly one of
// Disconnected, AwaitingAuthChallenge, Authenticating, Ready or Failed.
type ConnState interface {
	String() string
	connState()
}

// Disconnected means no transport is open. Err holds the cause when the
// transport was lost rather than closed on request.
type Disconnected struct {
	Err error
}

// AwaitingAuthChallenge means the transport is open and the controller has
// not yet asked for credentials.
type AwaitingAuthChallenge struct{}

// Authenticating means the access token has been sent.
type Authenticating struct{}

// Ready means the controller accepted the token and requests may be issued.
type Ready struct {
	Version string
}

// Failed means the controller rejected the token. Only a new Connect leaves it.
type Failed struct {
	Reason string
}

func (Disconnected) String() string          { return "disconnected" }
func (AwaitingAuthChallenge) String() string { return "awaiting_auth_challenge" }
func (Authenticating) String() string        { return "authenticating" }
func (Ready) String() string                 { return "ready" }
func (Failed) String() string                { return "failed" }

func (Disconnected) connState()          {}
func (AwaitingAuthChallenge) connState() {}
func (Authenticating) connState()        {}
func (Ready) connState()                 {}
func (Failed) connState()                {}

// IsReady reports whether s is Ready.
func IsReady(s ConnState) bool {
	_, ok := s.(Ready)
	return ok
}
