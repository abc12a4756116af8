package sigrelay

// ClientID identifies a client connected to the relay.
// It is only unique among the clients registered at the same time.
type ClientID string

// Kind is the type of a signaling envelope.
type Kind string

const (
	// Server -> Client, sent once right after the socket is opened.
	KindWelcome Kind = "welcome"
	// Client -> Server -> Client
	KindOffer Kind = "offer"
	// Client -> Server -> Client
	KindAnswer Kind = "answer"
	// Client -> Server -> Client, trickled ICE candidates.
	KindCandidate Kind = "candidate"
)

// Forwardable reports whether clients may send envelopes of this kind.
func (k Kind) Forwardable() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate:
		return true
	}
	return false
}

// Websocket subprotocols understood by the relay.
// A client that offers none is spoken to in JSON.
const (
	SubprotocolJSON    = "sigrelay.json"
	SubprotocolMsgpack = "sigrelay.msgpack"
)
