// Package gateway accepts browser tabs over websocket and hands each
// connection to the social worker as a port.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/talkilla/internal/port"
	"github.com/petervdpas/talkilla/internal/util"
)

var log = logging.Logger("talkilla/gateway")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// UI tabs may be served from another origin than the gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Attacher serves a port until it closes. *worker.Worker satisfies it.
type Attacher interface {
	Attach(ctx context.Context, p *port.Port) error
}

type Server struct {
	att Attacher
	mux *http.ServeMux
}

func New(att Attacher) *Server {
	s := &Server{att: att, mux: http.NewServeMux()}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Start listens on addr and serves until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: util.DefaultRequestTimeout}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("gateway server: %v", err)
		}
	}()
	log.Infow("gateway listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	id := "tab-" + uuid.NewString()
	p := port.New(id, port.NewWebSocket(conn))
	log.Debugw("tab connected", "port", id, "remote", r.RemoteAddr)

	if err := s.att.Attach(r.Context(), p); err != nil {
		log.Warnf("port %s: %v", id, err)
	}
	_ = p.Close()
}
