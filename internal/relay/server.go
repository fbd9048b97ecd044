// Package relay is a small signaling server speaking the long-poll
// protocol the signaling client expects. Users are identified by a session
// cookie set on signin; each has a bounded queue of pending messages.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/talkilla/internal/metrics"
	"github.com/petervdpas/talkilla/internal/proto"
	"github.com/petervdpas/talkilla/internal/signaling"
	"github.com/petervdpas/talkilla/internal/util"
)

var log = logging.Logger("talkilla/relay")

const (
	// SessionCookie carries the signed-in nick.
	SessionCookie = "talkilla.session"

	// PresenceAvailable is the presence reported for every signed-in user.
	PresenceAvailable = "available"

	defaultQueueCap = 100
)

type Options struct {
	// PollTimeout is how long a poll is held open when nothing is queued.
	PollTimeout time.Duration
	// QueueCap bounds each user's pending messages; the oldest is dropped.
	QueueCap int
}

type user struct {
	nick  string
	queue *util.RingBuffer[proto.Message]
	wake  chan struct{}
}

type Server struct {
	opts   Options
	engine *gin.Engine

	mu    sync.Mutex
	users map[string]*user
	srv   *http.Server
}

func New(opts Options) *Server {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = util.DefaultPollTimeout
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = defaultQueueCap
	}
	s := &Server{
		opts:  opts,
		users: make(map[string]*user),
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.POST(signaling.PathSignin, s.handleSignin)
	r.POST(signaling.PathSignout, s.handleSignout)
	r.POST(signaling.PathStream, s.handleStream)
	r.POST(signaling.PathCallOffer, s.handleCallOffer)
	r.POST(signaling.PathCallAccepted, s.handleCallAccepted)
	r.POST(signaling.PathCallHangup, s.handleCallHangup)
	r.POST(signaling.PathIceCandidate, s.handleIceCandidate)
	r.POST(signaling.PathPresenceRequest, s.handlePresenceRequest)
	r.POST(signaling.PathInitiateMove, s.handleInitiateMove)
}

// Handler exposes the routes, for tests and for mounting elsewhere.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on addr and serves until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: util.DefaultRequestTimeout}
	srv := s.srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("relay server: %v", err)
		}
	}()
	log.Infow("relay listening", "addr", ln.Addr().String())
	return nil
}

// Users lists signed-in users sorted by nick.
func (s *Server) Users() []proto.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usersLocked("")
}

func (s *Server) usersLocked(except string) []proto.User {
	out := make([]proto.User, 0, len(s.users))
	for nick := range s.users {
		if nick == except {
			continue
		}
		out = append(out, proto.User{Nick: nick, Presence: PresenceAvailable})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out
}

// join registers nick and reports whether it was new.
func (s *Server) join(nick string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[nick]; ok {
		return false
	}
	s.users[nick] = &user{
		nick:  nick,
		queue: util.NewRingBuffer[proto.Message](s.opts.QueueCap),
		wake:  make(chan struct{}, 1),
	}
	return true
}

func (s *Server) leave(nick string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[nick]; !ok {
		return false
	}
	delete(s.users, nick)
	return true
}

func (s *Server) lookup(nick string) (*user, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[nick]
	return u, ok
}

// push queues a message for nick and wakes its pending poll.
func (s *Server) push(nick, typ string, data any) bool {
	u, ok := s.lookup(nick)
	if !ok {
		return false
	}
	raw, err := proto.Marshal(data)
	if err != nil {
		log.Errorf("push %s to %s: %v", typ, nick, err)
		return false
	}
	if u.queue.Push(proto.Message{Type: typ, Data: raw}) {
		metrics.RelayQueueDropped.Inc()
		log.Debugf("queue for %s full, dropped oldest", nick)
	}
	select {
	case u.wake <- struct{}{}:
	default:
	}
	return true
}

// announce pushes to every user but except.
func (s *Server) announce(except, typ string, data any) {
	s.mu.Lock()
	nicks := make([]string, 0, len(s.users))
	for nick := range s.users {
		if nick != except {
			nicks = append(nicks, nick)
		}
	}
	s.mu.Unlock()
	for _, nick := range nicks {
		s.push(nick, typ, data)
	}
}

// requestLogger logs one line per request through the relay logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugw("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
