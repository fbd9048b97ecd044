// Package router relays topic-tagged envelopes between named endpoints that
// share one physical port, driven by a static route table.
package router

import (
	"encoding/json"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/talkilla/internal/metrics"
	"github.com/petervdpas/talkilla/internal/proto"
)

var log = logging.Logger("talkilla/router")

// Drop reasons, as recorded on the drop counter.
const (
	DropMisdelivered   = "misdelivered"
	DropNoHandler      = "no_handler"
	DropInvalidCommand = "invalid_command"
	DropRelayFailed    = "relay_failed"
)

// Poster is where a router writes envelopes. *port.Port satisfies it.
type Poster interface {
	PostEnvelope(env proto.Envelope) error
}

// Handler runs a command addressed to this router's endpoint.
type Handler func(data json.RawMessage) error

// Handlers binds commands to the code that runs them.
type Handlers map[Command]Handler

// RouteNotFoundError is returned by Send for a topic absent from the table.
type RouteNotFoundError struct {
	Topic string
}

func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("router: no route for topic %q", e.Topic)
}

// Router is one endpoint's view of the route table.
type Router struct {
	self     string
	out      Poster
	handlers Handlers
	routes   []Route
	byTopic  map[string]Route
}

// New builds the router for endpoint self. A nil routes slice selects
// DefaultRoutes.
func New(self string, out Poster, handlers Handlers, routes []Route) (*Router, error) {
	if self == "" {
		return nil, fmt.Errorf("router: endpoint name is required")
	}
	if out == nil {
		return nil, fmt.Errorf("router: %s: poster is required", self)
	}
	if routes == nil {
		routes = DefaultRoutes()
	}
	if err := ValidateRoutes(routes); err != nil {
		return nil, err
	}
	for cmd := range handlers {
		if !cmd.Valid() {
			return nil, fmt.Errorf("router: %s: handler for unknown command %q", self, cmd)
		}
	}

	r := &Router{
		self:     self,
		out:      out,
		handlers: make(Handlers, len(handlers)),
		routes:   append([]Route(nil), routes...),
		byTopic:  make(map[string]Route, len(routes)),
	}
	for cmd, h := range handlers {
		r.handlers[cmd] = h
	}
	for _, rt := range r.routes {
		r.byTopic[rt.Topic] = rt
	}
	return r, nil
}

func (r *Router) Name() string { return r.self }

// Topics lists every topic in the table, in table order.
func (r *Router) Topics() []string {
	out := make([]string, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.Topic
	}
	return out
}

// Send posts data along the route for topic.
func (r *Router) Send(topic string, data any) error {
	rt, ok := r.byTopic[topic]
	if !ok {
		return &RouteNotFoundError{Topic: topic}
	}
	env, err := proto.NewEnvelope(topic, data)
	if err != nil {
		return err
	}
	env.From = r.self
	env.To = rt.To
	env.Via = rt.Via
	env.Callable = string(rt.Callable)
	return r.out.PostEnvelope(env)
}

// Handle processes one inbound envelope. Envelopes addressed to this
// endpoint run their command; envelopes relayed through it are re-posted
// with From rewritten; anything else is dropped.
func (r *Router) Handle(env proto.Envelope) {
	switch {
	case env.To == r.self:
		r.dispatch(env)
	case env.Via != "" && env.Via == r.self:
		env.From = r.self
		if err := r.out.PostEnvelope(env); err != nil {
			r.drop(env, DropRelayFailed)
			log.Warnf("%s: relay %q to %s: %v", r.self, env.Topic, env.To, err)
		}
	default:
		r.drop(env, DropMisdelivered)
	}
}

func (r *Router) dispatch(env proto.Envelope) {
	cmd := Command(env.Callable)
	if !cmd.Valid() {
		r.drop(env, DropInvalidCommand)
		return
	}
	h, ok := r.handlers[cmd]
	if !ok {
		r.drop(env, DropNoHandler)
		return
	}
	if err := h(env.Data); err != nil {
		log.Warnf("%s: %s on %q: %v", r.self, cmd, env.Topic, err)
	}
}

func (r *Router) drop(env proto.Envelope, reason string) {
	metrics.RouterDropped.WithLabelValues(r.self, reason).Inc()
	log.Debugf("%s: dropped %q from %s to %s via %s (%s)",
		r.self, env.Topic, env.From, env.To, env.Via, reason)
}
