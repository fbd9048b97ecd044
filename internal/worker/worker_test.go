package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/talkilla/internal/conversation"
	"github.com/petervdpas/talkilla/internal/payload"
	"github.com/petervdpas/talkilla/internal/port"
	"github.com/petervdpas/talkilla/internal/proto"
	"github.com/petervdpas/talkilla/internal/router"
	"github.com/petervdpas/talkilla/internal/spa"
	"github.com/petervdpas/talkilla/internal/storage"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// adapter stands in for the protocol worker behind the façade. It records
// commands and answers every request with success unless fail is set.
type adapter struct {
	p    *port.Port
	got  chan proto.Envelope
	fail string
}

func (a *adapter) Close() error { return nil }

func (a *adapter) push(t *testing.T, topic string, data any) {
	t.Helper()
	require.NoError(t, a.p.Post(topic, data))
}

func (a *adapter) next(t *testing.T) proto.Envelope {
	t.Helper()
	select {
	case env := <-a.got:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("adapter received nothing")
		return proto.Envelope{}
	}
}

type fakeStore struct {
	mu       sync.Mutex
	contacts map[string]bool
	calls    []storage.CallRecord
	offline  int
}

func (s *fakeStore) UpsertContact(nick, _ string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[nick] = online
	return nil
}

func (s *fakeStore) MarkAllOffline() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline++
	for k := range s.contacts {
		s.contacts[k] = false
	}
	return nil
}

func (s *fakeStore) RecordCall(r storage.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, r)
	return nil
}

func (s *fakeStore) snapshot() (map[string]bool, []storage.CallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := make(map[string]bool, len(s.contacts))
	for k, v := range s.contacts {
		c[k] = v
	}
	return c, append([]storage.CallRecord(nil), s.calls...)
}

type fixture struct {
	w     *Worker
	a     *adapter
	store *fakeStore
}

func newFixture(t *testing.T, fail string) *fixture {
	t.Helper()
	src := "worker-test/" + t.Name()
	started := make(chan *adapter, 1)
	spa.Register(src, func(_ context.Context, p *port.Port, _ spa.Options) (spa.Worker, error) {
		a := &adapter{p: p, got: make(chan proto.Envelope, 32), fail: fail}
		p.On(port.AnyTopic, func(env proto.Envelope) {
			if env.ID != "" {
				r := proto.Reply{Result: json.RawMessage(`"ok"`)}
				if env.Topic == a.fail {
					r = proto.Reply{Error: "refused"}
				}
				reply, _ := proto.NewEnvelope(proto.CallbackTopic(env.Topic), r)
				reply.ID = env.ID
				_ = p.PostEnvelope(reply)
			}
			a.got <- env
		})
		started <- a
		return a, nil
	})

	store := &fakeStore{contacts: make(map[string]bool)}
	w, err := New(Options{SPA: spa.Options{Src: src}, Capabilities: []string{"audio"}, Store: store})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Close() })
	return &fixture{w: w, a: <-started, store: store}
}

// attach connects a UI port and returns the UI side of its transport.
func (f *fixture) attach(t *testing.T, id string) port.Transport {
	t.Helper()
	ui, side := port.Pipe()
	p := port.New(id, side)
	go func() { _ = f.w.Attach(context.Background(), p) }()
	require.Eventually(t, func() bool {
		_, ok := f.w.ports.Find(id)
		return ok
	}, time.Second, 5*time.Millisecond)
	return ui
}

func send(t *testing.T, tr port.Transport, topic string, data any) {
	t.Helper()
	env, err := proto.NewEnvelope(topic, data)
	require.NoError(t, err)
	require.NoError(t, tr.Send(env))
}

// expect reads from tr until an envelope under topic arrives.
func expect(t *testing.T, tr port.Transport, topic string) proto.Envelope {
	t.Helper()
	found := make(chan proto.Envelope, 1)
	go func() {
		for {
			env, err := tr.Receive()
			if err != nil {
				return
			}
			if env.Topic == topic {
				found <- env
				return
			}
		}
	}()
	select {
	case env := <-found:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no %q envelope", topic)
		return proto.Envelope{}
	}
}

func offer(peer string) payload.Offer {
	return payload.Offer{
		Peer:   peer,
		Offer:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP},
		CallID: "c1",
	}
}

func TestSignin_BroadcastsLoginSuccess(t *testing.T) {
	f := newFixture(t, "")
	sidebar := f.attach(t, "sidebar")
	other := f.attach(t, "other")

	send(t, sidebar, TopicSignin, proto.SigninRequest{Nick: "alice"})
	req := f.a.next(t)
	assert.Equal(t, proto.TopicSignin, req.Topic)

	for _, tr := range []port.Transport{sidebar, other} {
		var d LoginData
		require.NoError(t, expect(t, tr, TopicLoginSuccess).Decode(&d))
		assert.Equal(t, "alice", d.Username)
	}
	assert.Equal(t, "alice", f.w.convs.User())
}

func TestSignin_FailureGoesToRequester(t *testing.T) {
	f := newFixture(t, proto.TopicSignin)
	sidebar := f.attach(t, "sidebar")

	send(t, sidebar, TopicSignin, proto.SigninRequest{Nick: "alice"})
	var d LoginData
	require.NoError(t, expect(t, sidebar, TopicLoginFailure).Decode(&d))
	assert.Contains(t, d.Message, "refused")
	assert.Empty(t, f.w.convs.User())

	send(t, sidebar, TopicSignin, proto.SigninRequest{Nick: "  "})
	require.NoError(t, expect(t, sidebar, TopicLoginFailure).Decode(&d))
	assert.NotEmpty(t, d.Message)
}

func TestIncomingCall_QueuedUntilChatWindow(t *testing.T) {
	f := newFixture(t, "")
	sidebar := f.attach(t, "sidebar")

	f.a.push(t, proto.TopicOffer, offer("bob"))
	expect(t, sidebar, router.TopicConversationUpdate)

	chat := f.attach(t, "chat-bob")
	send(t, chat, TopicChatWindowReady, PeerData{Peer: "bob"})

	var open conversation.OpenData
	require.NoError(t, expect(t, chat, conversation.TopicOpen).Decode(&open))
	assert.Equal(t, "bob", open.Peer)
	assert.Equal(t, []string{"audio"}, open.Capabilities)

	got, err := payload.DecodeOffer(expect(t, chat, TopicConversationIncoming).Data)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CallID)

	_, calls := f.store.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, storage.CallRecord{Peer: "bob", Direction: storage.Incoming, Event: "offer", CallID: "c1"}, calls[0])
}

func TestRemoteHangup_EndsUnopenedConversation(t *testing.T) {
	f := newFixture(t, "")

	f.a.push(t, proto.TopicOffer, offer("bob"))
	f.a.push(t, proto.TopicHangup, payload.Hangup{Peer: "bob", CallID: "c1"})
	require.Eventually(t, func() bool {
		_, calls := f.store.snapshot()
		return len(calls) == 2
	}, time.Second, 5*time.Millisecond)
	_, ok := f.w.convs.Get("bob")
	assert.False(t, ok)

	next := offer("bob")
	next.CallID = "c2"
	f.a.push(t, proto.TopicOffer, next)
	require.Eventually(t, func() bool {
		c, ok := f.w.convs.Get("bob")
		return ok && c.Queued() == 1
	}, time.Second, 5*time.Millisecond)

	chat := f.attach(t, "chat-bob")
	send(t, chat, TopicChatWindowReady, PeerData{Peer: "bob"})

	envs := make(chan proto.Envelope, 8)
	go func() {
		for {
			env, err := chat.Receive()
			if err != nil {
				return
			}
			if env.Topic != router.TopicConversationUpdate {
				envs <- env
			}
		}
	}()
	var got []proto.Envelope
	for len(got) < 2 {
		select {
		case env := <-envs:
			got = append(got, env)
		case <-time.After(2 * time.Second):
			t.Fatalf("chat window got only %d envelopes", len(got))
		}
	}

	assert.Equal(t, conversation.TopicOpen, got[0].Topic)
	require.Equal(t, TopicConversationIncoming, got[1].Topic)
	o, err := payload.DecodeOffer(got[1].Data)
	require.NoError(t, err)
	assert.Equal(t, "c2", o.CallID)
}

func TestCallStart_ForwardsOffer(t *testing.T) {
	f := newFixture(t, "")
	chat := f.attach(t, "chat")

	send(t, chat, TopicCallStart, offer("carol"))
	cmd := f.a.next(t)
	assert.Equal(t, proto.TopicOffer, cmd.Topic)
	o, err := payload.DecodeOffer(cmd.Data)
	require.NoError(t, err)
	assert.Equal(t, "carol", o.Peer)

	_, ok := f.w.convs.Get("carol")
	assert.True(t, ok)
	require.Eventually(t, func() bool {
		_, calls := f.store.snapshot()
		return len(calls) == 1 && calls[0].Direction == storage.Outgoing
	}, time.Second, 5*time.Millisecond)
}

func TestCallStart_InvalidPayloadReportsError(t *testing.T) {
	f := newFixture(t, "")
	chat := f.attach(t, "chat")

	send(t, chat, TopicCallStart, map[string]any{"peer": "carol"})
	var d port.ErrorData
	require.NoError(t, expect(t, chat, port.ErrorTopic).Decode(&d))
	assert.Contains(t, d.Message, "offer")
	assert.Empty(t, f.a.got)
}

func TestUsers_UpdateRosterAndStore(t *testing.T) {
	f := newFixture(t, "")
	sidebar := f.attach(t, "sidebar")

	f.a.push(t, proto.WireUsers, []proto.User{{Nick: "bob"}, {Nick: "alice"}})
	var users []proto.User
	require.NoError(t, expect(t, sidebar, TopicUsers).Decode(&users))
	assert.Equal(t, []proto.User{{Nick: "alice"}, {Nick: "bob"}}, users)

	f.a.push(t, proto.WireUserLeft, proto.User{Nick: "bob"})
	expect(t, sidebar, TopicUserLeft)
	assert.Equal(t, []proto.User{{Nick: "alice"}}, f.w.Users())

	contacts, _ := f.store.snapshot()
	assert.Equal(t, map[string]bool{"alice": true, "bob": false}, contacts)

	f.a.push(t, proto.TopicDisconnected, nil)
	expect(t, sidebar, TopicDisconnected)
	assert.Empty(t, f.w.Users())
	contacts, _ = f.store.snapshot()
	assert.False(t, contacts["alice"])
}

func TestSidebarReady_ReplaysState(t *testing.T) {
	f := newFixture(t, "")
	first := f.attach(t, "first")

	f.a.push(t, proto.TopicConnected, nil)
	expect(t, first, TopicConnected)
	require.Eventually(t, f.w.spa.Connected, time.Second, 5*time.Millisecond)

	late := f.attach(t, "late")
	send(t, late, TopicSidebarReady, nil)
	expect(t, late, TopicConnected)
	expect(t, late, TopicUsers)
}

func TestRouter_RelaysThroughWorker(t *testing.T) {
	f := newFixture(t, "")
	sidebar := f.attach(t, "sidebar")
	chat := f.attach(t, "chat")

	env, err := proto.NewEnvelope(router.TopicRequestChat, PeerData{Peer: "bob"})
	require.NoError(t, err)
	env.From = router.SidebarApp
	env.To = router.ChatApp
	env.Via = router.Worker
	env.Callable = string(router.OpenChat)
	require.NoError(t, sidebar.Send(env))

	got := expect(t, chat, router.TopicRequestChat)
	assert.Equal(t, router.Worker, got.From)
	assert.Equal(t, router.ChatApp, got.To)
}

func TestRouter_PresenceRequestReachesAdapter(t *testing.T) {
	f := newFixture(t, "")
	sidebar := f.attach(t, "sidebar")

	env, err := proto.NewEnvelope(router.TopicPresenceRequest, nil)
	require.NoError(t, err)
	env.From = router.SidebarApp
	env.To = router.Worker
	env.Callable = string(router.RequestPresence)
	require.NoError(t, sidebar.Send(env))

	assert.Equal(t, proto.TopicPresenceRequest, f.a.next(t).Topic)
}

func TestAttach_RemovesPortOnClose(t *testing.T) {
	f := newFixture(t, "")
	ui := f.attach(t, "tab")
	assert.Equal(t, 1, f.w.ports.Len())

	require.NoError(t, ui.Close())
	require.Eventually(t, func() bool { return f.w.ports.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestNew_RejectsBadRoutes(t *testing.T) {
	spa.Register("worker-test/routes", func(context.Context, *port.Port, spa.Options) (spa.Worker, error) {
		return nil, nil
	})
	_, err := New(Options{
		SPA:    spa.Options{Src: "worker-test/routes"},
		Routes: []router.Route{{Topic: "x"}},
	})
	assert.Error(t, err)
}

func TestClose_WaitsForAsyncCalls(t *testing.T) {
	f := newFixture(t, "")

	var started, finished atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.w.async(func(ctx context.Context) {
					started.Add(1)
					<-ctx.Done()
					finished.Add(1)
				})
			}
		}()
	}

	require.NoError(t, f.w.Close())
	assert.Equal(t, started.Load(), finished.Load())
	wg.Wait()

	// Nothing runs once the worker is closed.
	before := started.Load()
	f.w.async(func(context.Context) { started.Add(1) })
	assert.Equal(t, before, started.Load())
	assert.Equal(t, started.Load(), finished.Load())
}
