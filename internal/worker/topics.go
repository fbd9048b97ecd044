package worker

// Topics the UI posts to the worker.
const (
	TopicSidebarReady    = "talkilla.sidebar-ready"
	TopicSignin          = "talkilla.signin"
	TopicSignout         = "talkilla.signout"
	TopicPresenceRequest = "talkilla.presence-request"
	TopicCallStart       = "talkilla.call-start"
	TopicCallAnswer      = "talkilla.call-answer"
	TopicCallHangup      = "talkilla.call-hangup"
	TopicIceCandidate    = "talkilla.ice-candidate"
	TopicChatWindowReady = "talkilla.chat-window-ready"
	TopicInitiateMove    = "talkilla.initiate-move"
)

// Topics the worker broadcasts to every UI port.
const (
	TopicUsers         = "talkilla.users"
	TopicUserJoined    = "talkilla.user-joined"
	TopicUserLeft      = "talkilla.user-left"
	TopicConnected     = "talkilla.connected"
	TopicDisconnected  = "talkilla.disconnected"
	TopicReauthNeeded  = "talkilla.reauth-needed"
	TopicError         = "talkilla.error"
	TopicLoginSuccess  = "talkilla.login-success"
	TopicLoginFailure  = "talkilla.login-failure"
	TopicLogoutSuccess = "talkilla.logout-success"
)

// Topics delivered to a peer's conversation window. Hangup and ICE
// candidates reuse the UI command names.
const (
	TopicConversationIncoming = "talkilla.conversation-incoming"
	TopicCallEstablishment    = "talkilla.call-establishment"
	TopicMoveAccept           = "talkilla.move-accept"
)

// PeerData names the peer a UI command is about.
type PeerData struct {
	Peer string `json:"peer"`
}

// LoginData is the payload of the login and logout notifications.
type LoginData struct {
	Username string `json:"username"`
	Message  string `json:"message,omitempty"`
}

// ConversationUpdate is routed to chat windows when a peer's call changes.
type ConversationUpdate struct {
	Peer  string `json:"peer"`
	Event string `json:"event"`
}
