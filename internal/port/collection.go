package port

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/petervdpas/talkilla/internal/metrics"
	"github.com/petervdpas/talkilla/internal/proto"
)

// Collection is the registry of open ports, keyed by port id. Entries are
// only removed by Remove; a closed port stays registered until then.
type Collection struct {
	mu    sync.RWMutex
	ports map[string]*Port
	order []string
}

func NewCollection() *Collection {
	return &Collection{ports: make(map[string]*Port)}
}

// Add registers p. Adding an id that is already present is a no-op and
// reports false.
func (c *Collection) Add(p *Port) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ports[p.ID()]; ok {
		return false
	}
	c.ports[p.ID()] = p
	c.order = append(c.order, p.ID())
	metrics.OpenPorts.Inc()
	return true
}

// Find returns the port registered under id.
func (c *Collection) Find(id string) (*Port, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.ports[id]
	return p, ok
}

// Remove deletes the entry for p's id.
func (c *Collection) Remove(p *Port) {
	c.RemoveID(p.ID())
}

func (c *Collection) RemoveID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ports[id]; !ok {
		return
	}
	delete(c.ports, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
	metrics.OpenPorts.Dec()
}

func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ports)
}

// IDs returns the registered ids in registration order.
func (c *Collection) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// BroadcastEvent posts topic/data to every registered port. Each port is
// posted to independently; the failures are returned together.
func (c *Collection) BroadcastEvent(topic string, data any) error {
	env, err := proto.NewEnvelope(topic, data)
	if err != nil {
		return err
	}
	return c.broadcast(env)
}

// BroadcastError reports err to every registered port under ErrorTopic.
func (c *Collection) BroadcastError(err error) error {
	return c.BroadcastEvent(ErrorTopic, ErrorData{Message: err.Error()})
}

// PostEnvelope broadcasts env as is, routing header included. It lets a
// router relay through the whole collection.
func (c *Collection) PostEnvelope(env proto.Envelope) error {
	if env.Topic == "" {
		return proto.ErrEmptyTopic
	}
	return c.broadcast(env)
}

func (c *Collection) broadcast(env proto.Envelope) error {
	var errs error
	for _, id := range c.IDs() {
		p, ok := c.Find(id)
		if !ok {
			continue
		}
		if err := p.PostEnvelope(env); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("port %s: %w", id, err))
		}
	}
	if errs != nil {
		log.Debugf("broadcast %q: %v", env.Topic, errs)
	}
	return errs
}

// Close closes every registered port and empties the collection.
func (c *Collection) Close() error {
	c.mu.Lock()
	ports := c.ports
	c.ports = make(map[string]*Port)
	c.order = nil
	c.mu.Unlock()

	var errs error
	for _, p := range ports {
		metrics.OpenPorts.Dec()
		errs = multierr.Append(errs, p.Close())
	}
	return errs
}
