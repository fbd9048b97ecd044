// Package app wires configuration, storage and servers into the runnable
// worker and relay processes.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/talkilla/internal/config"
	"github.com/petervdpas/talkilla/internal/gateway"
	"github.com/petervdpas/talkilla/internal/relay"
	"github.com/petervdpas/talkilla/internal/spa"
	"github.com/petervdpas/talkilla/internal/storage"
	"github.com/petervdpas/talkilla/internal/talkilla"
	"github.com/petervdpas/talkilla/internal/util"
	"github.com/petervdpas/talkilla/internal/worker"
)

var log = logging.Logger("talkilla/app")

type Options struct {
	CfgPath string
	Cfg     config.Config
	// Watch reloads the config file on change. Only the log level is
	// applied live; everything else needs a restart.
	Watch bool
}

// RunWorker runs the social worker and its UI gateway until ctx is done.
func RunWorker(ctx context.Context, o Options) error {
	cfg := o.Cfg
	if err := applyLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	logBanner("worker", o.CfgPath)
	watch(ctx, o)

	var store worker.Store
	if dir := strings.TrimSpace(cfg.Storage.DataDir); dir != "" {
		db, err := storage.Open(util.ResolvePath(filepath.Dir(o.CfgPath), dir))
		if err != nil {
			return fmt.Errorf("open contacts store: %w", err)
		}
		defer db.Close()
		store = db
		log.Infow("contacts store", "path", db.Path())
	}

	w, err := worker.New(worker.Options{
		SPA: spa.Options{
			Src:         talkilla.Source,
			Endpoint:    cfg.Signaling.Endpoint,
			PollTimeout: cfg.Signaling.PollTimeout(),
		},
		Capabilities: cfg.Worker.Capabilities,
		Store:        store,
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Close()

	addr, url := normalizeLocal(cfg.Worker.HTTPAddr)
	if err := gateway.New(w).Start(ctx, addr); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	log.Infow("worker ready", "ws", url+"/ws", "signaling", cfg.Signaling.Endpoint)

	<-ctx.Done()
	log.Info("worker shutting down")
	return nil
}

// RunRelay runs the signaling relay until ctx is done.
func RunRelay(ctx context.Context, o Options) error {
	cfg := o.Cfg
	if err := applyLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	logBanner("relay", o.CfgPath)
	watch(ctx, o)

	srv := relay.New(relay.Options{
		PollTimeout: cfg.Relay.PollTimeout(),
		QueueCap:    cfg.Relay.QueueCap,
	})
	addr, _ := normalizeLocal(cfg.Relay.HTTPAddr)
	if err := srv.Start(ctx, addr); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	<-ctx.Done()
	log.Info("relay shutting down")
	return nil
}

func watch(ctx context.Context, o Options) {
	if !o.Watch || o.CfgPath == "" {
		return
	}
	err := config.Watch(ctx, o.CfgPath, func(c config.Config) {
		if err := applyLogLevel(c.Log.Level); err != nil {
			log.Warnf("reload: %v", err)
			return
		}
		log.Infow("config reloaded", "log_level", c.Log.Level)
	})
	if err != nil {
		log.Warnf("watch %s: %v", o.CfgPath, err)
	}
}
