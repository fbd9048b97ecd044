package worker

import (
	"encoding/json"

	"github.com/petervdpas/talkilla/internal/conversation"
	"github.com/petervdpas/talkilla/internal/payload"
	"github.com/petervdpas/talkilla/internal/port"
	"github.com/petervdpas/talkilla/internal/proto"
	"github.com/petervdpas/talkilla/internal/router"
	"github.com/petervdpas/talkilla/internal/storage"
)

// subscribeSPA turns what the protocol worker pushes into UI broadcasts and
// conversation traffic.
func (w *Worker) subscribeSPA() {
	w.spa.On(proto.TopicConnected, func(proto.Envelope) {
		w.broadcast(TopicConnected, nil)
	})
	w.spa.On(proto.TopicDisconnected, func(env proto.Envelope) {
		w.setRoster(nil)
		w.markOffline()
		w.broadcast(TopicDisconnected, env.Data)
	})
	w.spa.On(proto.TopicReauthNeeded, func(proto.Envelope) {
		w.broadcast(TopicReauthNeeded, nil)
	})
	w.spa.On(port.ErrorTopic, func(env proto.Envelope) {
		w.broadcast(TopicError, env.Data)
	})

	w.spa.On(proto.TopicOffer, w.incomingCall)
	w.spa.On(proto.TopicAnswer, w.callAccepted)
	w.spa.On(proto.TopicHangup, w.remoteHangup)
	w.spa.On(proto.TopicIceCandidate, w.remoteCandidate)
	w.spa.On(proto.WireMoveAccept, w.moveAccept)

	w.spa.On(proto.WireUsers, w.users)
	w.spa.On(proto.WireUserJoined, w.userJoined)
	w.spa.On(proto.WireUserLeft, w.userLeft)
}

func (w *Worker) incomingCall(env proto.Envelope) {
	o, err := payload.DecodeOffer(env.Data)
	if err != nil {
		log.Warnf("incoming call: %v", err)
		return
	}
	w.deliver(o.Peer, TopicConversationIncoming, o, true)
	w.record(o.Peer, storage.Incoming, "offer", o.CallID)
	w.notify(o.Peer, "incoming")
}

func (w *Worker) callAccepted(env proto.Envelope) {
	a, err := payload.DecodeAnswer(env.Data)
	if err != nil {
		log.Warnf("call accepted: %v", err)
		return
	}
	w.deliver(a.Peer, TopicCallEstablishment, a, true)
	w.record(a.Peer, storage.Incoming, "answer", a.CallID)
	w.notify(a.Peer, "established")
}

func (w *Worker) remoteHangup(env proto.Envelope) {
	h, err := payload.DecodeHangup(env.Data)
	if err != nil {
		log.Warnf("call hangup: %v", err)
		return
	}
	// The call is over either way; an unopened conversation goes with its queue.
	w.deliver(h.Peer, TopicCallHangup, h, false)
	w.convs.End(h.Peer)
	w.record(h.Peer, storage.Incoming, "hangup", h.CallID)
	w.notify(h.Peer, "hangup")
}

func (w *Worker) remoteCandidate(env proto.Envelope) {
	c, err := payload.DecodeIceCandidate(env.Data)
	if err != nil {
		log.Warnf("ice candidate: %v", err)
		return
	}
	w.deliver(c.Peer, TopicIceCandidate, c, true)
}

func (w *Worker) moveAccept(env proto.Envelope) {
	m, err := payload.DecodeMove(env.Data)
	if err != nil {
		log.Warnf("move accept: %v", err)
		return
	}
	w.deliver(m.Peer, TopicMoveAccept, m, false)
}

// deliver posts to the peer's conversation, starting one when create is
// set. A conversation without a window queues the message.
func (w *Worker) deliver(peer, topic string, data any, create bool) *conversation.Conversation {
	c, ok := w.convs.Get(peer)
	if !ok {
		if !create {
			log.Debugf("%s for %s: no conversation", topic, peer)
			return nil
		}
		c, _ = w.convs.Start(peer)
	}
	if err := c.PostMessage(topic, data); err != nil {
		log.Warnf("%s for %s: %v", topic, peer, err)
	}
	return c
}

func (w *Worker) notify(peer, event string) {
	err := w.router.Send(router.TopicConversationUpdate, ConversationUpdate{Peer: peer, Event: event})
	if err != nil {
		log.Debugf("conversation update for %s: %v", peer, err)
	}
}

func (w *Worker) users(env proto.Envelope) {
	var list []proto.User
	if err := json.Unmarshal(env.Data, &list); err != nil {
		log.Warnf("users: %v", err)
		return
	}
	w.setRoster(list)
	for _, u := range list {
		w.remember(u, true)
	}
	w.broadcast(TopicUsers, w.Users())
	w.presenceChanged()
}

func (w *Worker) userJoined(env proto.Envelope) {
	var u proto.User
	if err := env.Decode(&u); err != nil || u.Nick == "" {
		log.Warnf("user joined: bad payload %s", env.Data)
		return
	}
	w.mu.Lock()
	w.roster[u.Nick] = u
	w.mu.Unlock()
	w.remember(u, true)
	w.broadcast(TopicUserJoined, u)
	w.presenceChanged()
}

func (w *Worker) userLeft(env proto.Envelope) {
	var u proto.User
	if err := env.Decode(&u); err != nil || u.Nick == "" {
		log.Warnf("user left: bad payload %s", env.Data)
		return
	}
	w.mu.Lock()
	delete(w.roster, u.Nick)
	w.mu.Unlock()
	w.remember(u, false)
	w.broadcast(TopicUserLeft, u)
	w.presenceChanged()
}

func (w *Worker) presenceChanged() {
	if err := w.router.Send(router.TopicUserPresence, w.Users()); err != nil {
		log.Debugf("user presence: %v", err)
	}
}

func (w *Worker) remember(u proto.User, online bool) {
	if w.store == nil {
		return
	}
	if err := w.store.UpsertContact(u.Nick, u.Presence, online); err != nil {
		log.Warnf("contact %s: %v", u.Nick, err)
	}
}

func (w *Worker) markOffline() {
	if w.store == nil {
		return
	}
	if err := w.store.MarkAllOffline(); err != nil {
		log.Warnf("mark contacts offline: %v", err)
	}
}
