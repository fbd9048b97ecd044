// Package talkilla is the protocol adapter that runs behind the SPA façade.
// It turns port commands into signaling server calls and server events into
// port pushes, translating topic names between the two vocabularies.
package talkilla

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/talkilla/internal/payload"
	"github.com/petervdpas/talkilla/internal/port"
	"github.com/petervdpas/talkilla/internal/proto"
	"github.com/petervdpas/talkilla/internal/signaling"
)

var log = logging.Logger("talkilla/adapter")

// jobQueueCap bounds commands waiting for the outbound goroutine.
const jobQueueCap = 64

// wireToPort maps server message types that have a different name on the
// port. Anything not listed keeps its name.
var wireToPort = map[string]string{
	proto.WireIncomingCall: proto.TopicOffer,
	proto.WireCallAccepted: proto.TopicAnswer,
	proto.WireCallHangup:   proto.TopicHangup,
}

// PortTopic returns the port topic for a server message type.
func PortTopic(wireType string) string {
	if t, ok := wireToPort[wireType]; ok {
		return t
	}
	return wireType
}

// Adapter bridges one port to one signaling client.
type Adapter struct {
	port   *port.Port
	client *signaling.Client

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan func()
	wg     sync.WaitGroup

	unsubscribe []func()
	nickMu      sync.Mutex
	nick        string
}

// New wires p to client and opens the signaling connection right away, so
// server pushes can arrive before the user signs in.
func New(ctx context.Context, p *port.Port, client *signaling.Client) *Adapter {
	ctx, cancel := context.WithCancel(ctx)
	a := &Adapter{
		port:   p,
		client: client,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan func(), jobQueueCap),
	}

	a.unsubscribe = append(a.unsubscribe,
		client.On(signaling.EventConnected, func(signaling.Event) {
			a.port.PostEvent(proto.TopicConnected, nil)
		}),
		client.On(signaling.EventDisconnected, func(ev signaling.Event) {
			a.port.PostEvent(proto.TopicDisconnected, errorData(ev.Err))
		}),
		client.On(signaling.EventUnauthorized, func(signaling.Event) {
			a.port.PostEvent(proto.TopicReauthNeeded, nil)
		}),
		client.On(signaling.EventMessage, a.forward),

		p.On(proto.TopicConnect, a.enqueue(a.connect)),
		p.On(proto.TopicSignin, a.enqueue(a.signin)),
		p.On(proto.TopicSignout, a.enqueue(a.signout)),
		p.On(proto.TopicOffer, a.enqueue(a.offer)),
		p.On(proto.TopicAnswer, a.enqueue(a.answer)),
		p.On(proto.TopicHangup, a.enqueue(a.hangup)),
		p.On(proto.TopicIceCandidate, a.enqueue(a.iceCandidate)),
		p.On(proto.TopicPresenceRequest, a.enqueue(a.presenceRequest)),
		p.On(proto.TopicInitiateMove, a.enqueue(a.initiateMove)),
	)

	a.wg.Add(1)
	go a.run()
	a.jobs <- func() { a.connect(proto.Envelope{Topic: proto.TopicConnect}) }
	return a
}

// Close stops the outbound goroutine and the signaling stream.
func (a *Adapter) Close() error {
	a.cancel()
	a.wg.Wait()
	for _, off := range a.unsubscribe {
		off()
	}
	a.client.Close()
	return nil
}

func (a *Adapter) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case job := <-a.jobs:
			job()
		}
	}
}

// enqueue returns a port handler that runs fn on the outbound goroutine, so
// server calls go out in the order their commands arrived.
func (a *Adapter) enqueue(fn func(proto.Envelope)) func(proto.Envelope) {
	return func(env proto.Envelope) {
		select {
		case a.jobs <- func() { fn(env) }:
		case <-a.ctx.Done():
		}
	}
}

// forward pushes a server message to the port under its port topic.
func (a *Adapter) forward(ev signaling.Event) {
	topic := PortTopic(ev.Type)
	if topic == "" {
		return
	}
	if err := a.port.Post(topic, json.RawMessage(ev.Data)); err != nil {
		log.Warnf("forward %s as %s: %v", ev.Type, topic, err)
	}
}

func (a *Adapter) connect(proto.Envelope) {
	if err := a.client.Connect(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Debugf("connect: %v", err)
	}
}

// call reports a failed fire-and-forget call on the port's error topic.
func (a *Adapter) call(verb string, err error) {
	if err == nil {
		return
	}
	log.Warnf("%s: %v", verb, err)
	a.port.Error(err)
}

func (a *Adapter) offer(env proto.Envelope) {
	o, err := payload.DecodeOffer(env.Data)
	if err != nil {
		a.call(env.Topic, err)
		return
	}
	_, err = a.client.CallOffer(a.ctx, o)
	a.call(env.Topic, err)
}

func (a *Adapter) answer(env proto.Envelope) {
	ans, err := payload.DecodeAnswer(env.Data)
	if err != nil {
		a.call(env.Topic, err)
		return
	}
	_, err = a.client.CallAccepted(a.ctx, ans)
	a.call(env.Topic, err)
}

func (a *Adapter) hangup(env proto.Envelope) {
	h, err := payload.DecodeHangup(env.Data)
	if err != nil {
		a.call(env.Topic, err)
		return
	}
	_, err = a.client.CallHangup(a.ctx, h)
	a.call(env.Topic, err)
}

func (a *Adapter) iceCandidate(env proto.Envelope) {
	c, err := payload.DecodeIceCandidate(env.Data)
	if err != nil {
		a.call(env.Topic, err)
		return
	}
	_, err = a.client.IceCandidate(a.ctx, c)
	a.call(env.Topic, err)
}

func (a *Adapter) presenceRequest(env proto.Envelope) {
	_, err := a.client.PresenceRequest(a.ctx)
	a.call(env.Topic, err)
}

// reply answers a request/response command on "<verb>-callback".
func (a *Adapter) reply(req proto.Envelope, res signaling.Result, err error) {
	r := proto.Reply{Result: res.Body}
	if err != nil {
		r.Error = err.Error()
	}
	env, perr := proto.NewEnvelope(proto.CallbackTopic(req.Topic), r)
	if perr != nil {
		log.Errorf("reply %s: %v", req.Topic, perr)
		return
	}
	env.ID = req.ID
	if perr := a.port.PostEnvelope(env); perr != nil {
		log.Warnf("reply %s: %v", req.Topic, perr)
	}
}

func (a *Adapter) signin(env proto.Envelope) {
	var req proto.SigninRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env, signaling.Result{}, err)
		return
	}
	res, err := a.client.Signin(a.ctx, req.Nick)
	a.reply(env, res, err)
	if err != nil {
		return
	}
	a.nickMu.Lock()
	a.nick = req.Nick
	a.nickMu.Unlock()
	// The stream must be reopened to carry the new session cookie.
	a.connect(env)
}

func (a *Adapter) signout(env proto.Envelope) {
	a.nickMu.Lock()
	nick := a.nick
	a.nickMu.Unlock()

	var req proto.SigninRequest
	if len(env.Data) > 0 {
		_ = env.Decode(&req)
	}
	if req.Nick != "" {
		nick = req.Nick
	}

	res, err := a.client.Signout(a.ctx, nick)
	if err == nil {
		a.client.Close()
		a.nickMu.Lock()
		a.nick = ""
		a.nickMu.Unlock()
		a.port.PostEvent(proto.TopicDisconnected, nil)
	}
	a.reply(env, res, err)
}

func (a *Adapter) initiateMove(env proto.Envelope) {
	m, err := payload.DecodeMove(env.Data)
	if err != nil {
		a.reply(env, signaling.Result{}, err)
		return
	}
	res, err := a.client.InitiateMove(a.ctx, m)
	a.reply(env, res, err)
}

func errorData(err error) any {
	if err == nil {
		return nil
	}
	return port.ErrorData{Message: err.Error()}
}
