package spa

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/petervdpas/talkilla/internal/port"
)

// Worker is a running protocol adapter.
type Worker interface {
	Close() error
}

// StartFunc starts a worker on the worker side of a façade's port.
type StartFunc func(ctx context.Context, p *port.Port, opts Options) (Worker, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]StartFunc)
)

// Register makes a worker available under src. It panics if src is
// registered twice or start is nil.
func Register(src string, start StartFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if start == nil {
		panic("spa: Register start func is nil")
	}
	if _, dup := registry[src]; dup {
		panic(fmt.Sprintf("spa: Register called twice for %q", src))
	}
	registry[src] = start
}

// Sources lists the registered worker names, sorted.
func Sources() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func lookup(src string) (StartFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	start, ok := registry[src]
	return start, ok
}
