// Package spa is the call-control façade used by the UI side. It starts a
// registered protocol worker behind an in-memory port, forwards commands to
// it and re-emits whatever the worker pushes back.
package spa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/talkilla/internal/events"
	"github.com/petervdpas/talkilla/internal/payload"
	"github.com/petervdpas/talkilla/internal/port"
	"github.com/petervdpas/talkilla/internal/proto"
)

var log = logging.Logger("talkilla/spa")

var (
	ErrMissingSource = errors.New("spa: worker source is required")
	ErrClosed        = errors.New("spa: closed")
	ErrNotStarted    = errors.New("spa: not started")
)

// Options configures a façade.
type Options struct {
	// Src names the worker to start, as passed to Register.
	Src string
	// Endpoint is the signaling server base URL handed to the worker.
	Endpoint string
	// PollTimeout bounds one long-poll request; zero keeps the worker's default.
	PollTimeout time.Duration
}

// RemoteError is a failure reported by the worker in a callback reply.
type RemoteError struct {
	Verb    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("spa: %s: %s", e.Verb, e.Message)
}

type SPA struct {
	opts       Options
	port       *port.Port
	workerPort *port.Port
	worker     Worker
	emitter    *events.Emitter[proto.Envelope]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	connected bool
	pending   map[string]chan proto.Reply
}

// New prepares the façade for the worker named by opts.Src. Subscribe with
// On, then call Start.
func New(opts Options) (*SPA, error) {
	if opts.Src == "" {
		return nil, ErrMissingSource
	}
	if _, ok := lookup(opts.Src); !ok {
		return nil, fmt.Errorf("spa: unknown worker source %q", opts.Src)
	}
	return &SPA{
		opts:    opts,
		emitter: events.NewEmitter[proto.Envelope](),
		pending: make(map[string]chan proto.Reply),
	}, nil
}

// Start runs the worker behind an in-memory port until ctx is done or
// Close is called.
func (s *SPA) Start(ctx context.Context) error {
	start, _ := lookup(s.opts.Src)

	s.mu.Lock()
	if s.port != nil {
		s.mu.Unlock()
		return fmt.Errorf("spa: %s already started", s.opts.Src)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	uiSide, workerSide := port.Pipe()
	s.port = port.New("spa", uiSide)
	s.workerPort = port.New(s.opts.Src, workerSide)
	s.mu.Unlock()

	s.port.On(port.AnyTopic, s.handle)

	w, err := start(s.ctx, s.workerPort, s.opts)
	if err != nil {
		s.cancel()
		_ = s.port.Close()
		_ = s.workerPort.Close()
		s.mu.Lock()
		s.port, s.workerPort = nil, nil
		s.mu.Unlock()
		return fmt.Errorf("spa: start %s: %w", s.opts.Src, err)
	}
	s.worker = w

	s.serve(s.port)
	s.serve(s.workerPort)
	log.Debugf("started worker %s", s.opts.Src)
	return nil
}

func (s *SPA) serve(p *port.Port) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := p.Serve(s.ctx); err != nil {
			log.Warnf("port %s: %v", p.ID(), err)
		}
	}()
}

// Close stops the worker and fails every pending request with ErrClosed.
func (s *SPA) Close() error {
	if s.worker == nil {
		return nil
	}
	s.cancel()
	err := s.worker.Close()
	_ = s.port.Close()
	_ = s.workerPort.Close()
	s.wg.Wait()

	s.mu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.connected = false
	s.mu.Unlock()
	return err
}

// On subscribes fn to envelopes pushed by the worker under topic, or to all
// of them with port.AnyTopic.
func (s *SPA) On(topic string, fn func(proto.Envelope)) (cancel func()) {
	return s.emitter.On(topic, fn)
}

// Connected reports whether the worker's last word on the signaling
// connection was "connected".
func (s *SPA) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *SPA) handle(env proto.Envelope) {
	switch env.Topic {
	case proto.TopicConnected:
		s.setConnected(true)
	case proto.TopicDisconnected, proto.TopicReauthNeeded:
		s.setConnected(false)
	}
	if env.ID != "" && strings.HasSuffix(env.Topic, "-callback") {
		s.resolve(env)
	}
	s.emitter.Emit(env.Topic, env)
	s.emitter.Emit(port.AnyTopic, env)
}

func (s *SPA) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *SPA) resolve(env proto.Envelope) {
	s.mu.Lock()
	ch, ok := s.pending[env.ID]
	delete(s.pending, env.ID)
	s.mu.Unlock()
	if !ok {
		log.Debugf("%s: no pending request %s", env.Topic, env.ID)
		return
	}
	var r proto.Reply
	if err := env.Decode(&r); err != nil {
		r.Error = err.Error()
	}
	ch <- r
}

// request posts verb with a fresh correlation id and waits for the
// matching "<verb>-callback".
func (s *SPA) request(ctx context.Context, verb string, data any) (json.RawMessage, error) {
	env, err := proto.NewEnvelope(verb, data)
	if err != nil {
		return nil, err
	}
	env.ID = uuid.NewString()
	ch := make(chan proto.Reply, 1)

	s.mu.Lock()
	s.pending[env.ID] = ch
	s.mu.Unlock()
	forget := func() {
		s.mu.Lock()
		delete(s.pending, env.ID)
		s.mu.Unlock()
	}

	if err := s.post(env); err != nil {
		forget()
		return nil, err
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if r.Error != "" {
			return r.Result, &RemoteError{Verb: verb, Message: r.Error}
		}
		return r.Result, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-s.ctx.Done():
		forget()
		return nil, ErrClosed
	}
}

func (s *SPA) post(env proto.Envelope) error {
	if s.worker == nil {
		return ErrNotStarted
	}
	return s.port.PostEnvelope(env)
}

func (s *SPA) postTopic(topic string, data any) error {
	env, err := proto.NewEnvelope(topic, data)
	if err != nil {
		return err
	}
	return s.post(env)
}

// Signin signs nick in and returns the server's reply body.
func (s *SPA) Signin(ctx context.Context, nick string) (json.RawMessage, error) {
	return s.request(ctx, proto.TopicSignin, proto.SigninRequest{Nick: nick})
}

func (s *SPA) Signout(ctx context.Context) (json.RawMessage, error) {
	return s.request(ctx, proto.TopicSignout, nil)
}

// InitiateMove asks the server to move the call with m.Peer to another of
// the user's devices.
func (s *SPA) InitiateMove(ctx context.Context, m payload.Move) (json.RawMessage, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return s.request(ctx, proto.TopicInitiateMove, m)
}

// Connect asks the worker to (re)open the signaling connection.
func (s *SPA) Connect() error {
	return s.postTopic(proto.TopicConnect, nil)
}

func (s *SPA) CallOffer(o payload.Offer) error {
	if err := o.Validate(); err != nil {
		return err
	}
	return s.postTopic(proto.TopicOffer, o)
}

func (s *SPA) CallAnswer(a payload.Answer) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return s.postTopic(proto.TopicAnswer, a)
}

func (s *SPA) CallHangup(h payload.Hangup) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return s.postTopic(proto.TopicHangup, h)
}

func (s *SPA) IceCandidate(c payload.IceCandidate) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return s.postTopic(proto.TopicIceCandidate, c)
}

func (s *SPA) PresenceRequest() error {
	return s.postTopic(proto.TopicPresenceRequest, nil)
}
