// Package conversation holds per-peer call state and queues UI messages
// until the peer's chat window has a port.
package conversation

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/petervdpas/talkilla/internal/proto"
)

// TopicOpen is the first envelope a chat window receives.
const TopicOpen = "talkilla.conversation-open"

// Poster is the port a conversation is bound to.
type Poster interface {
	PostEnvelope(env proto.Envelope) error
}

// OpenData describes the conversation to a newly opened chat window.
type OpenData struct {
	Peer         string   `json:"peer"`
	User         string   `json:"user"`
	Capabilities []string `json:"capabilities"`
}

// Conversation queues envelopes until WindowOpened binds it to a port,
// then delivers directly. The binding is permanent.
type Conversation struct {
	peer string
	user string
	caps []string

	mu    sync.Mutex
	port  Poster
	queue []proto.Envelope
}

func New(peer, user string, capabilities []string) *Conversation {
	caps := append([]string(nil), capabilities...)
	sort.Strings(caps)
	return &Conversation{peer: peer, user: user, caps: caps}
}

func (c *Conversation) Peer() string { return c.peer }

func (c *Conversation) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// Queued reports how many envelopes wait for a window.
func (c *Conversation) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Conversation) openEnvelope() (proto.Envelope, error) {
	return proto.NewEnvelope(TopicOpen, OpenData{
		Peer:         c.peer,
		User:         c.user,
		Capabilities: c.caps,
	})
}

// WindowOpened binds the conversation to p, sends the open envelope and
// then every queued envelope in the order it was posted. Called again, it
// only re-sends the open envelope, on the port bound first; p is ignored.
func (c *Conversation) WindowOpened(p Poster) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		c.port = p
	}
	open, err := c.openEnvelope()
	if err != nil {
		return err
	}
	if err := c.port.PostEnvelope(open); err != nil {
		return fmt.Errorf("conversation %s: open: %w", c.peer, err)
	}

	var errs error
	for _, env := range c.queue {
		if err := c.port.PostEnvelope(env); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("conversation %s: flush %q: %w", c.peer, env.Topic, err))
		}
	}
	c.queue = nil
	return errs
}

// PostMessage delivers topic/data through the bound port, or queues it
// when no window is open yet.
func (c *Conversation) PostMessage(topic string, data any) error {
	env, err := proto.NewEnvelope(topic, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		c.queue = append(c.queue, env)
		return nil
	}
	return c.port.PostEnvelope(env)
}
