package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/petervdpas/talkilla/internal/payload"
	"github.com/petervdpas/talkilla/internal/proto"
	"github.com/petervdpas/talkilla/internal/signaling"
	"github.com/petervdpas/talkilla/internal/util"
)

var (
	errNotSignedIn = errors.New("not signed in")
	errUnknownPeer = errors.New("unknown peer")
)

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleSignin(c *gin.Context) {
	var cred signaling.Credentials
	if err := c.ShouldBindJSON(&cred); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	nick, err := util.ValidateNick(cred.Nick)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if s.join(nick) {
		s.announce(nick, proto.WireUserJoined, proto.User{Nick: nick, Presence: PresenceAvailable})
		log.Infow("user signed in", "nick", nick)
	}
	c.SetCookie(SessionCookie, nick, 0, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"nick": nick})
}

func (s *Server) handleSignout(c *gin.Context) {
	var cred signaling.Credentials
	_ = c.ShouldBindJSON(&cred)
	nick := cred.Nick
	if nick == "" {
		nick, _ = c.Cookie(SessionCookie)
	}
	if nick == "" || !s.leave(nick) {
		fail(c, http.StatusBadRequest, errNotSignedIn)
		return
	}
	s.announce(nick, proto.WireUserLeft, proto.User{Nick: nick})
	log.Infow("user signed out", "nick", nick)
	c.SetCookie(SessionCookie, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"nick": nick})
}

// session returns the caller's user, or answers 400 when there is none.
func (s *Server) session(c *gin.Context) (*user, bool) {
	nick, err := c.Cookie(SessionCookie)
	if err != nil || nick == "" {
		fail(c, http.StatusBadRequest, errNotSignedIn)
		return nil, false
	}
	u, ok := s.lookup(nick)
	if !ok {
		fail(c, http.StatusBadRequest, errNotSignedIn)
		return nil, false
	}
	return u, true
}

func (s *Server) handleStream(c *gin.Context) {
	u, ok := s.session(c)
	if !ok {
		return
	}
	var req proto.StreamRequest
	_ = c.ShouldBindJSON(&req)

	if !req.FirstRequest && u.queue.Len() == 0 {
		timer := time.NewTimer(s.opts.PollTimeout)
		defer timer.Stop()
		select {
		case <-u.wake:
		case <-timer.C:
		case <-c.Request.Context().Done():
			return
		}
	}
	msgs := u.queue.Drain()
	if msgs == nil {
		msgs = []proto.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// forward decodes the caller's payload, validates it, and queues it for
// the named peer under typ with peer rewritten to the caller.
func forward[T any](s *Server, typ string, decode func([]byte) (T, error), route func(*T) *string) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := s.session(c)
		if !ok {
			return
		}
		raw, err := c.GetRawData()
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		v, err := decode(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		peer := route(&v)
		to := *peer
		*peer = u.nick
		if !s.push(to, typ, v) {
			fail(c, http.StatusNotFound, errUnknownPeer)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) handleCallOffer(c *gin.Context) {
	forward(s, proto.WireIncomingCall, payload.DecodeOffer,
		func(o *payload.Offer) *string { return &o.Peer })(c)
}

func (s *Server) handleCallAccepted(c *gin.Context) {
	forward(s, proto.WireCallAccepted, payload.DecodeAnswer,
		func(a *payload.Answer) *string { return &a.Peer })(c)
}

func (s *Server) handleCallHangup(c *gin.Context) {
	forward(s, proto.WireCallHangup, payload.DecodeHangup,
		func(h *payload.Hangup) *string { return &h.Peer })(c)
}

func (s *Server) handleIceCandidate(c *gin.Context) {
	forward(s, proto.WireIceCandidate, payload.DecodeIceCandidate,
		func(ic *payload.IceCandidate) *string { return &ic.Peer })(c)
}

func (s *Server) handlePresenceRequest(c *gin.Context) {
	u, ok := s.session(c)
	if !ok {
		return
	}
	s.mu.Lock()
	users := s.usersLocked(u.nick)
	s.mu.Unlock()
	s.push(u.nick, proto.WireUsers, users)
	c.Status(http.StatusNoContent)
}

// handleInitiateMove accepts the move and tells every device of the caller
// sharing the session, which all poll the same queue.
func (s *Server) handleInitiateMove(c *gin.Context) {
	u, ok := s.session(c)
	if !ok {
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	m, err := payload.DecodeMove(raw)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if _, ok := s.lookup(m.Peer); !ok {
		fail(c, http.StatusNotFound, errUnknownPeer)
		return
	}
	s.push(u.nick, proto.WireMoveAccept, m)
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}
