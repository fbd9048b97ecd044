// Package worker is the social worker. It owns the UI ports, the SPA façade
// and the per-peer conversations, and moves traffic between them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/petervdpas/talkilla/internal/conversation"
	"github.com/petervdpas/talkilla/internal/payload"
	"github.com/petervdpas/talkilla/internal/port"
	"github.com/petervdpas/talkilla/internal/proto"
	"github.com/petervdpas/talkilla/internal/router"
	"github.com/petervdpas/talkilla/internal/spa"
	"github.com/petervdpas/talkilla/internal/storage"
	"github.com/petervdpas/talkilla/internal/util"
)

var log = logging.Logger("talkilla/worker")

var errNoPeer = errors.New("worker: chat window without peer")

// Store keeps contacts and call history. *storage.DB satisfies it.
type Store interface {
	UpsertContact(nick, presence string, online bool) error
	MarkAllOffline() error
	RecordCall(r storage.CallRecord) error
}

type Options struct {
	SPA          spa.Options
	Capabilities []string
	// Store is optional.
	Store Store
	// Routes replaces the default routing table when set.
	Routes []router.Route
}

type Worker struct {
	src    string
	ports  *port.Collection
	spa    *spa.SPA
	convs  *conversation.Manager
	router *router.Router
	store  Store

	ctx    context.Context
	cancel context.CancelFunc
	// life orders async's Add against the cancel in Close.
	life sync.Mutex
	wg   sync.WaitGroup

	mu     sync.Mutex
	roster map[string]proto.User
}

func New(opts Options) (*Worker, error) {
	s, err := spa.New(opts.SPA)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		src:    opts.SPA.Src,
		ports:  port.NewCollection(),
		spa:    s,
		convs:  conversation.NewManager(opts.Capabilities),
		store:  opts.Store,
		ctx:    ctx,
		cancel: cancel,
		roster: make(map[string]proto.User),
	}
	w.router, err = router.New(router.Worker, w.ports, router.Handlers{
		router.RequestPresence: func(json.RawMessage) error { return w.spa.PresenceRequest() },
	}, opts.Routes)
	if err != nil {
		cancel()
		return nil, err
	}
	w.subscribeSPA()
	return w, nil
}

// Start runs the protocol worker behind the façade. The worker stops when
// ctx is done or Close is called.
func (w *Worker) Start(ctx context.Context) error {
	context.AfterFunc(ctx, w.cancel)
	if err := w.spa.Start(w.ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	log.Infow("social worker started", "src", w.src)
	return nil
}

func (w *Worker) Close() error {
	w.life.Lock()
	w.cancel()
	w.life.Unlock()
	err := multierr.Combine(w.spa.Close(), w.ports.Close())
	w.wg.Wait()
	return err
}

// Attach registers p and serves it until its transport closes or the worker
// stops, then removes it. It blocks for the lifetime of the port.
func (w *Worker) Attach(ctx context.Context, p *port.Port) error {
	if !w.ports.Add(p) {
		return fmt.Errorf("worker: port %s already attached", p.ID())
	}
	offs := w.subscribeUI(p)
	stop := context.AfterFunc(w.ctx, func() { _ = p.Close() })
	defer func() {
		stop()
		for _, off := range offs {
			off()
		}
		w.ports.Remove(p)
		_ = p.Close()
		log.Debugf("port %s detached", p.ID())
	}()
	log.Debugf("port %s attached", p.ID())
	return p.Serve(ctx)
}

// Users returns the current roster sorted by nick.
func (w *Worker) Users() []proto.User {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]proto.User, 0, len(w.roster))
	for _, u := range w.roster {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out
}

func (w *Worker) subscribeUI(p *port.Port) []func() {
	on := func(topic string, fn func(*port.Port, proto.Envelope)) func() {
		return p.On(topic, func(env proto.Envelope) { fn(p, env) })
	}
	offs := []func(){
		on(TopicSidebarReady, w.sidebarReady),
		on(TopicSignin, w.signin),
		on(TopicSignout, w.signout),
		on(TopicPresenceRequest, w.presenceRequest),
		on(TopicCallStart, w.callStart),
		on(TopicCallAnswer, w.callAnswer),
		on(TopicCallHangup, w.callHangup),
		on(TopicIceCandidate, w.iceCandidate),
		on(TopicChatWindowReady, w.chatWindowReady),
		on(TopicInitiateMove, w.initiateMove),
	}
	for _, topic := range w.router.Topics() {
		offs = append(offs, p.On(topic, w.router.Handle))
	}
	return offs
}

func (w *Worker) sidebarReady(p *port.Port, _ proto.Envelope) {
	if user := w.convs.User(); user != "" {
		p.PostEvent(TopicLoginSuccess, LoginData{Username: user})
	}
	if w.spa.Connected() {
		p.PostEvent(TopicConnected, nil)
	}
	p.PostEvent(TopicUsers, w.Users())
}

func (w *Worker) signin(p *port.Port, env proto.Envelope) {
	var req proto.SigninRequest
	if err := env.Decode(&req); err != nil {
		p.Error(err)
		return
	}
	nick, err := util.ValidateNick(req.Nick)
	if err != nil {
		p.PostEvent(TopicLoginFailure, LoginData{Username: req.Nick, Message: err.Error()})
		return
	}
	w.async(func(ctx context.Context) {
		if _, err := w.spa.Signin(ctx, nick); err != nil {
			log.Warnf("signin %s: %v", nick, err)
			p.PostEvent(TopicLoginFailure, LoginData{Username: nick, Message: err.Error()})
			return
		}
		w.convs.SetUser(nick)
		w.broadcast(TopicLoginSuccess, LoginData{Username: nick})
	})
}

func (w *Worker) signout(p *port.Port, _ proto.Envelope) {
	w.async(func(ctx context.Context) {
		user := w.convs.User()
		if _, err := w.spa.Signout(ctx); err != nil {
			log.Warnf("signout %s: %v", user, err)
			p.Error(err)
			return
		}
		w.convs.SetUser("")
		w.convs.Reset()
		w.setRoster(nil)
		w.broadcast(TopicLogoutSuccess, LoginData{Username: user})
	})
}

func (w *Worker) presenceRequest(p *port.Port, _ proto.Envelope) {
	if err := w.spa.PresenceRequest(); err != nil {
		p.Error(err)
	}
}

func (w *Worker) callStart(p *port.Port, env proto.Envelope) {
	o, err := payload.DecodeOffer(env.Data)
	if err != nil {
		p.Error(err)
		return
	}
	w.convs.Start(o.Peer)
	if err := w.spa.CallOffer(o); err != nil {
		p.Error(err)
		return
	}
	w.record(o.Peer, storage.Outgoing, "offer", o.CallID)
}

func (w *Worker) callAnswer(p *port.Port, env proto.Envelope) {
	a, err := payload.DecodeAnswer(env.Data)
	if err != nil {
		p.Error(err)
		return
	}
	if err := w.spa.CallAnswer(a); err != nil {
		p.Error(err)
		return
	}
	w.record(a.Peer, storage.Outgoing, "answer", a.CallID)
}

func (w *Worker) callHangup(p *port.Port, env proto.Envelope) {
	h, err := payload.DecodeHangup(env.Data)
	if err != nil {
		p.Error(err)
		return
	}
	if err := w.spa.CallHangup(h); err != nil {
		p.Error(err)
		return
	}
	w.convs.End(h.Peer)
	w.record(h.Peer, storage.Outgoing, "hangup", h.CallID)
}

func (w *Worker) iceCandidate(p *port.Port, env proto.Envelope) {
	c, err := payload.DecodeIceCandidate(env.Data)
	if err != nil {
		p.Error(err)
		return
	}
	if err := w.spa.IceCandidate(c); err != nil {
		p.Error(err)
	}
}

func (w *Worker) chatWindowReady(p *port.Port, env proto.Envelope) {
	var d PeerData
	if len(env.Data) > 0 {
		if err := env.Decode(&d); err != nil {
			p.Error(err)
			return
		}
	}
	if d.Peer == "" {
		p.Error(errNoPeer)
		return
	}
	c, _ := w.convs.Start(d.Peer)
	if err := c.WindowOpened(p); err != nil {
		log.Warnf("chat window for %s: %v", d.Peer, err)
	}
}

func (w *Worker) initiateMove(p *port.Port, env proto.Envelope) {
	m, err := payload.DecodeMove(env.Data)
	if err != nil {
		p.Error(err)
		return
	}
	w.async(func(ctx context.Context) {
		if _, err := w.spa.InitiateMove(ctx, m); err != nil {
			log.Warnf("initiate move with %s: %v", m.Peer, err)
			p.Error(err)
		}
	})
}

// async runs a request/response call off the port's serve goroutine.
func (w *Worker) async(fn func(ctx context.Context)) {
	w.life.Lock()
	defer w.life.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(w.ctx, util.DefaultRequestTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (w *Worker) broadcast(topic string, data any) {
	if err := w.ports.BroadcastEvent(topic, data); err != nil {
		log.Debugf("broadcast %s: %v", topic, err)
	}
}

func (w *Worker) record(peer, direction, event, callID string) {
	if w.store == nil {
		return
	}
	err := w.store.RecordCall(storage.CallRecord{
		Peer:      peer,
		Direction: direction,
		Event:     event,
		CallID:    callID,
	})
	if err != nil {
		log.Warnf("record %s %s with %s: %v", direction, event, peer, err)
	}
}

func (w *Worker) setRoster(users []proto.User) {
	w.mu.Lock()
	w.roster = make(map[string]proto.User, len(users))
	for _, u := range users {
		w.roster[u.Nick] = u
	}
	w.mu.Unlock()
}
