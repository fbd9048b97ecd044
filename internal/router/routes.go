package router

import (
	"errors"
	"fmt"
)

// Endpoint names a logical party riding on a physical port.
const (
	Worker     = "Worker"
	SidebarApp = "SidebarApp"
	ChatApp    = "ChatApp"
)

// Command is the handler an inbound envelope asks its destination to run.
// The set is closed: only the constants below are dispatchable.
type Command string

const (
	NoCommand          Command = ""
	OpenChat           Command = "openChat"
	ChatReady          Command = "chatReady"
	RequestPresence    Command = "requestPresence"
	UpdatePresence     Command = "updatePresence"
	UpdateConversation Command = "updateConversation"
)

var commands = map[Command]struct{}{
	OpenChat:           {},
	ChatReady:          {},
	RequestPresence:    {},
	UpdatePresence:     {},
	UpdateConversation: {},
}

// Valid reports whether c is one of the known commands.
func (c Command) Valid() bool {
	_, ok := commands[c]
	return ok
}

// Route sends Topic from one endpoint to another, optionally relayed by Via.
type Route struct {
	From     string
	Topic    string
	To       string
	Via      string
	Callable Command
}

// Topics routed between the sidebar, chat windows and the worker.
const (
	TopicRequestChat        = "social.request-chat"
	TopicChatReady          = "social.chat-ready"
	TopicPresenceRequest    = "social.presence-request"
	TopicUserPresence       = "social.user-presence"
	TopicConversationUpdate = "social.conversation-update"
)

// DefaultRoutes is the table used when a router is built without one.
func DefaultRoutes() []Route {
	return []Route{
		{From: SidebarApp, Topic: TopicRequestChat, To: ChatApp, Via: Worker, Callable: OpenChat},
		{From: ChatApp, Topic: TopicChatReady, To: SidebarApp, Via: Worker, Callable: ChatReady},
		{From: SidebarApp, Topic: TopicPresenceRequest, To: Worker, Callable: RequestPresence},
		{From: Worker, Topic: TopicUserPresence, To: SidebarApp, Callable: UpdatePresence},
		{From: Worker, Topic: TopicConversationUpdate, To: ChatApp, Callable: UpdateConversation},
	}
}

var errEmptyRouteTopic = errors.New("router: route without topic")

// ValidateRoutes checks that every route has a topic and a destination,
// names a known command, and that no topic appears twice.
func ValidateRoutes(routes []Route) error {
	seen := make(map[string]struct{}, len(routes))
	for i, r := range routes {
		if r.Topic == "" {
			return fmt.Errorf("route %d: %w", i, errEmptyRouteTopic)
		}
		if r.To == "" {
			return fmt.Errorf("router: route %q has no destination", r.Topic)
		}
		if r.Callable != NoCommand && !r.Callable.Valid() {
			return fmt.Errorf("router: route %q: unknown command %q", r.Topic, r.Callable)
		}
		if _, dup := seen[r.Topic]; dup {
			return fmt.Errorf("router: topic %q routed twice", r.Topic)
		}
		seen[r.Topic] = struct{}{}
	}
	return nil
}
