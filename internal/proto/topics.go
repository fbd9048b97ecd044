package proto

import "encoding/json"

// Topics on the port between the SPA façade and the protocol adapter.
const (
	TopicConnect         = "connect"
	TopicSignin          = "signin"
	TopicSignout         = "signout"
	TopicOffer           = "offer"
	TopicAnswer          = "answer"
	TopicHangup          = "hangup"
	TopicIceCandidate    = "ice:candidate"
	TopicPresenceRequest = "presence:request"
	TopicInitiateMove    = "initiate-move"

	TopicConnected    = "connected"
	TopicDisconnected = "disconnected"
	TopicReauthNeeded = "reauth-needed"
)

// Message types on the signaling server's event stream. Types without an
// adapter topic are passed through unchanged.
const (
	WireIncomingCall = "incoming_call"
	WireCallAccepted = "call_accepted"
	WireCallHangup   = "call_hangup"
	WireIceCandidate = "ice:candidate"
	WireMoveAccept   = "move_accept"
	WireUsers        = "users"
	WireUserJoined   = "userJoined"
	WireUserLeft     = "userLeft"
)

// CallbackTopic is the topic a reply to verb is posted under.
func CallbackTopic(verb string) string { return verb + "-callback" }

// Reply is the payload of a "<verb>-callback" envelope. The envelope's ID
// matches the request it answers.
type Reply struct {
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// User is one entry of a presence list.
type User struct {
	Nick     string `json:"nick"`
	Presence string `json:"presence,omitempty"`
}

// SigninRequest names the user signing in or out.
type SigninRequest struct {
	Nick string `json:"nick"`
}

// StreamRequest is the body of a long-poll request. The first poll after a
// connect is answered immediately.
type StreamRequest struct {
	FirstRequest bool `json:"firstRequest,omitempty"`
}
