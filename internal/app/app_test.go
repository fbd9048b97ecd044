package app

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/talkilla/internal/config"
	"github.com/petervdpas/talkilla/internal/relay"
)

func TestNormalizeLocal(t *testing.T) {
	addr, url := normalizeLocal(":8088")
	assert.Equal(t, "127.0.0.1:8088", addr)
	assert.Equal(t, "http://127.0.0.1:8088", url)

	addr, _ = normalizeLocal("0.0.0.0:9000")
	assert.Equal(t, "127.0.0.1:9000", addr)

	addr, _ = normalizeLocal(" 10.0.0.2:80 ")
	assert.Equal(t, "10.0.0.2:80", addr)
}

func TestApplyLogLevel(t *testing.T) {
	assert.NoError(t, applyLogLevel("warn"))
	assert.Error(t, applyLogLevel("chatty"))
	require.NoError(t, applyLogLevel("info"))
}

func TestRunWorker_OpensStoreAndStops(t *testing.T) {
	rs := httptest.NewServer(relay.New(relay.Options{PollTimeout: 50 * time.Millisecond}).Handler())
	defer rs.Close()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Worker.HTTPAddr = "127.0.0.1:0"
	cfg.Signaling.Endpoint = rs.URL
	cfg.Storage.DataDir = "data"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunWorker(ctx, Options{CfgPath: filepath.Join(dir, "talkilla.json"), Cfg: cfg})
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "data", "talkilla.db"))
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunRelay_FailsOnBadAddr(t *testing.T) {
	cfg := config.Default()
	cfg.Relay.HTTPAddr = "256.0.0.1:1"
	err := RunRelay(context.Background(), Options{Cfg: cfg})
	assert.ErrorContains(t, err, "start relay")
}
