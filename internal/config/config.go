package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
	"github.com/tidwall/jsonc"

	"github.com/petervdpas/talkilla/internal/util"
)

var log = logging.Logger("talkilla/config")

type Config struct {
	Worker    Worker    `json:"worker"`
	Signaling Signaling `json:"signaling"`
	Relay     Relay     `json:"relay"`
	Storage   Storage   `json:"storage"`
	Log       Log       `json:"log"`
}

type Worker struct {
	// HTTPAddr is where the UI gateway accepts websocket ports.
	HTTPAddr     string   `json:"http_addr"`
	Capabilities []string `json:"capabilities"`
}

type Signaling struct {
	// Endpoint is the signaling server base URL, e.g. http://127.0.0.1:5000.
	Endpoint       string `json:"endpoint"`
	PollTimeoutSec int    `json:"poll_timeout_seconds"`
}

type Relay struct {
	HTTPAddr       string `json:"http_addr"`
	PollTimeoutSec int    `json:"poll_timeout_seconds"`
	QueueCap       int    `json:"queue_cap"`
}

type Storage struct {
	// DataDir holds talkilla.db. Relative to the config file; empty disables
	// the contacts store.
	DataDir string `json:"data_dir"`
}

type Log struct {
	Level string `json:"level"`
}

func (s Signaling) PollTimeout() time.Duration { return time.Duration(s.PollTimeoutSec) * time.Second }
func (r Relay) PollTimeout() time.Duration     { return time.Duration(r.PollTimeoutSec) * time.Second }

func Default() Config {
	return Config{
		Worker: Worker{
			HTTPAddr:     "127.0.0.1:8088",
			Capabilities: []string{"audio", "video", "text"},
		},
		Signaling: Signaling{
			Endpoint:       "http://127.0.0.1:5000",
			PollTimeoutSec: 40,
		},
		Relay: Relay{
			HTTPAddr:       "127.0.0.1:5000",
			PollTimeoutSec: 30,
			QueueCap:       100,
		},
		Storage: Storage{
			DataDir: "data",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if err := validateAddr(c.Worker.HTTPAddr); err != nil {
		return fmt.Errorf("worker.http_addr: %w", err)
	}
	if err := validateAddr(c.Relay.HTTPAddr); err != nil {
		return fmt.Errorf("relay.http_addr: %w", err)
	}

	if strings.TrimSpace(c.Signaling.Endpoint) == "" {
		return errors.New("signaling.endpoint is required")
	}
	if err := validateEndpoint(c.Signaling.Endpoint); err != nil {
		return fmt.Errorf("signaling.endpoint: %w", err)
	}
	if c.Signaling.PollTimeoutSec <= 0 {
		return errors.New("signaling.poll_timeout_seconds must be > 0")
	}

	if c.Relay.PollTimeoutSec <= 0 {
		return errors.New("relay.poll_timeout_seconds must be > 0")
	}
	if c.Relay.QueueCap <= 0 {
		return errors.New("relay.queue_cap must be > 0")
	}

	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func validateAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host != "" && net.ParseIP(host) == nil && host != "localhost" {
		return errors.New("host must be an IP address or localhost")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return errors.New("invalid port")
	}
	return nil
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(util.NormalizeURL(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

// Load reads path over the defaults and validates the result. Comments and
// trailing commas are allowed.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(jsonc.ToJSON(b), &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// Watch calls fn with the reloaded config each time path is written, until
// ctx is done. A file that fails to load is logged and skipped.
func Watch(ctx context.Context, path string, fn func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Editors often replace the file, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warnf("reload %s: %v", path, err)
					continue
				}
				fn(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("watcher error: %v", err)
			}
		}
	}()
	return nil
}
