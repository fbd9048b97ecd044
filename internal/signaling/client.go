// Package signaling is the HTTP client for the remote signaling server: a
// long-poll event stream plus request/response calls for call control and
// presence.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/talkilla/internal/events"
	"github.com/petervdpas/talkilla/internal/metrics"
	"github.com/petervdpas/talkilla/internal/payload"
	"github.com/petervdpas/talkilla/internal/proto"
	"github.com/petervdpas/talkilla/internal/util"
)

var log = logging.Logger("talkilla/signaling")

// Event topics emitted by a Client. Server messages are emitted twice: once
// on EventMessage and once on MessageTopic(type).
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventUnauthorized = "unauthorized"
	EventMessage      = "message"
)

// MessageTopic is the type-scoped topic for server messages of type typ.
func MessageTopic(typ string) string { return EventMessage + ":" + typ }

var (
	ErrUnauthorized = errors.New("signaling: unauthorized")
	ErrDisconnected = errors.New("signaling: disconnected")
)

// Event is what Client handlers receive. Type and Data are set for server
// messages, Err for EventDisconnected.
type Event struct {
	Type string
	Data json.RawMessage
	Err  error
}

// Result is the raw outcome of a request/response call.
type Result struct {
	StatusCode int
	Body       json.RawMessage
}

// StatusError is returned for a non-2xx reply to a request/response call.
type StatusError struct {
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("signaling: POST %s: status %d %s", e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// Endpoint paths on the signaling server.
const (
	PathStream          = "/stream"
	PathCallOffer       = "/calloffer"
	PathCallAccepted    = "/callaccepted"
	PathCallHangup      = "/callhangup"
	PathIceCandidate    = "/icecandidate"
	PathPresenceRequest = "/presencerequest"
	PathInitiateMove    = "/initiatemove"
	PathSignin          = "/signin"
	PathSignout         = "/signout"
)

type Client struct {
	BaseURL string

	http     *http.Client
	pollHTTP *http.Client
	emitter  *events.Emitter[Event]

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
}

type options struct {
	requestTimeout time.Duration
	pollTimeout    time.Duration
	transport      http.RoundTripper
}

type Option func(*options)

// WithRequestTimeout bounds every call except the long-poll.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithPollTimeout bounds one long-poll request. It should exceed the time
// the server holds a poll open.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) { o.pollTimeout = d }
}

func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// New returns an Idle client for the server at baseURL. Both HTTP clients
// share one cookie jar so the session cookie set by signin is sent on polls.
func New(baseURL string, opts ...Option) *Client {
	o := options{
		requestTimeout: util.DefaultRequestTimeout,
		pollTimeout:    util.DefaultPollTimeout + util.DefaultRequestTimeout,
	}
	for _, fn := range opts {
		fn(&o)
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		BaseURL:  util.NormalizeURL(baseURL),
		http:     &http.Client{Timeout: o.requestTimeout, Jar: jar, Transport: o.transport},
		pollHTTP: &http.Client{Timeout: o.pollTimeout, Jar: jar, Transport: o.transport},
		emitter:  events.NewEmitter[Event](),
	}
}

// On subscribes fn to topic. Handlers run on the goroutine that received the
// server response; they must not block.
func (c *Client) On(topic string, fn func(Event)) (cancel func()) {
	return c.emitter.On(topic, fn)
}

func (c *Client) Once(topic string, fn func(Event)) (cancel func()) {
	return c.emitter.Once(topic, fn)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState moves to next if the table allows it. Callers hold c.mu.
func (c *Client) setState(next State) {
	if !canTransition(c.state, next) {
		log.Warnf("illegal transition %s -> %s", c.state, next)
	}
	log.Debugf("state %s -> %s", c.state, next)
	c.state = next
}

// Connect opens the event stream. The first poll is issued synchronously
// and carries firstRequest; a 400 reply ends in Unauthorized and
// ErrUnauthorized, any other failure in Disconnected and ErrDisconnected.
// On success EventConnected is emitted, the first batch is dispatched and
// polling continues in the background until ctx is done, Close is called,
// or the server ends it. A previous stream is cancelled first.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState(Connecting)
	c.mu.Unlock()

	msgs, status, err := c.poll(loopCtx, true)
	if !c.current(gen) || loopCtx.Err() != nil {
		cancel()
		if err == nil {
			err = context.Canceled
		}
		return err
	}
	if status == http.StatusBadRequest {
		c.end(gen, Unauthorized, nil)
		return ErrUnauthorized
	}
	if err != nil {
		c.end(gen, Disconnected, err)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return context.Canceled
	}
	c.setState(Polling)
	c.mu.Unlock()

	log.Infow("connected", "server", c.BaseURL)
	c.emitter.Emit(EventConnected, Event{})
	c.dispatch(msgs)

	go c.loop(loopCtx, gen)
	return nil
}

// Close stops the stream and returns the client to Idle. No event is
// emitted; an in-flight poll is abandoned.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	if c.state != Idle {
		c.setState(Idle)
	}
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// end records a terminal outcome for generation gen and emits its event,
// unless the generation has been superseded.
func (c *Client) end(gen uint64, state State, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.setState(state)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	switch state {
	case Unauthorized:
		log.Warnw("server rejected session", "server", c.BaseURL)
		c.emitter.Emit(EventUnauthorized, Event{Err: ErrUnauthorized})
	case Disconnected:
		log.Warnw("disconnected", "server", c.BaseURL, "err", cause)
		c.emitter.Emit(EventDisconnected, Event{Err: cause})
	}
}

// loop keeps exactly one poll in flight. The next request is only issued
// after the previous batch has been dispatched.
func (c *Client) loop(ctx context.Context, gen uint64) {
	for {
		msgs, status, err := c.poll(ctx, false)
		if ctx.Err() != nil || !c.current(gen) {
			return
		}
		switch {
		case status == http.StatusBadRequest:
			c.end(gen, Unauthorized, nil)
			return
		case err != nil:
			c.end(gen, Disconnected, err)
			return
		}
		c.dispatch(msgs)
	}
}

func (c *Client) dispatch(msgs []proto.Message) {
	for _, m := range msgs {
		ev := Event{Type: m.Type, Data: m.Data}
		c.emitter.Emit(EventMessage, ev)
		c.emitter.Emit(MessageTopic(m.Type), ev)
	}
}

// poll issues one POST /stream. status is 0 when no response arrived.
func (c *Client) poll(ctx context.Context, first bool) ([]proto.Message, int, error) {
	b, _ := json.Marshal(proto.StreamRequest{FirstRequest: first})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+PathStream, bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.pollHTTP.Do(req)
	if err != nil {
		metrics.PollRequests.WithLabelValues("error").Inc()
		return nil, 0, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusBadRequest {
		metrics.PollRequests.WithLabelValues("unauthorized").Inc()
		return nil, resp.StatusCode, ErrUnauthorized
	}
	if resp.StatusCode/100 != 2 {
		metrics.PollRequests.WithLabelValues("error").Inc()
		return nil, resp.StatusCode, fmt.Errorf("POST %s: status %s", PathStream, resp.Status)
	}
	var msgs []proto.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil && !errors.Is(err, io.EOF) {
		metrics.PollRequests.WithLabelValues("error").Inc()
		return nil, resp.StatusCode, fmt.Errorf("POST %s: decode: %w", PathStream, err)
	}
	metrics.PollRequests.WithLabelValues("ok").Inc()
	return msgs, resp.StatusCode, nil
}

// post sends body as JSON to path and returns the reply as is. A non-2xx
// reply yields both a Result and a *StatusError.
func (c *Client) post(ctx context.Context, path string, body any) (Result, error) {
	if body == nil {
		body = struct{}{}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("signaling: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{StatusCode: resp.StatusCode}, err
	}
	res := Result{StatusCode: resp.StatusCode}
	if json.Valid(raw) {
		res.Body = raw
	} else if len(bytes.TrimSpace(raw)) > 0 {
		res.Body, _ = json.Marshal(string(raw))
	}
	if resp.StatusCode/100 != 2 {
		return res, &StatusError{Path: path, StatusCode: resp.StatusCode}
	}
	return res, nil
}

func (c *Client) CallOffer(ctx context.Context, o payload.Offer) (Result, error) {
	if err := o.Validate(); err != nil {
		return Result{}, err
	}
	return c.post(ctx, PathCallOffer, o)
}

func (c *Client) CallAccepted(ctx context.Context, a payload.Answer) (Result, error) {
	if err := a.Validate(); err != nil {
		return Result{}, err
	}
	return c.post(ctx, PathCallAccepted, a)
}

func (c *Client) CallHangup(ctx context.Context, h payload.Hangup) (Result, error) {
	if err := h.Validate(); err != nil {
		return Result{}, err
	}
	return c.post(ctx, PathCallHangup, h)
}

func (c *Client) IceCandidate(ctx context.Context, ic payload.IceCandidate) (Result, error) {
	if err := ic.Validate(); err != nil {
		return Result{}, err
	}
	return c.post(ctx, PathIceCandidate, ic)
}

// PresenceRequest asks the server to push the current user list.
func (c *Client) PresenceRequest(ctx context.Context) (Result, error) {
	return c.post(ctx, PathPresenceRequest, nil)
}

func (c *Client) InitiateMove(ctx context.Context, m payload.Move) (Result, error) {
	if err := m.Validate(); err != nil {
		return Result{}, err
	}
	return c.post(ctx, PathInitiateMove, m)
}

// Credentials identifies the local user to /signin and /signout.
type Credentials struct {
	Nick string `json:"nick"`
}

// Signin starts a session for nick. The server's session cookie is kept in
// the client's jar; the stream must be reconnected to pick it up.
func (c *Client) Signin(ctx context.Context, nick string) (Result, error) {
	nick, err := util.ValidateNick(nick)
	if err != nil {
		return Result{}, err
	}
	return c.post(ctx, PathSignin, Credentials{Nick: nick})
}

func (c *Client) Signout(ctx context.Context, nick string) (Result, error) {
	return c.post(ctx, PathSignout, Credentials{Nick: nick})
}
