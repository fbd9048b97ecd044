package conversation

import (
	"sort"
	"sync"
)

// Manager keeps one conversation per peer for the local user.
type Manager struct {
	mu    sync.Mutex
	user  string
	caps  []string
	convs map[string]*Conversation
}

func NewManager(capabilities []string) *Manager {
	return &Manager{
		caps:  append([]string(nil), capabilities...),
		convs: make(map[string]*Conversation),
	}
}

// SetUser sets the local nick used by conversations started from now on.
func (m *Manager) SetUser(nick string) {
	m.mu.Lock()
	m.user = nick
	m.mu.Unlock()
}

func (m *Manager) User() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// Start returns the conversation with peer, creating it if needed.
func (m *Manager) Start(peer string) (c *Conversation, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[peer]; ok {
		return c, false
	}
	c = New(peer, m.user, m.caps)
	m.convs[peer] = c
	return c, true
}

func (m *Manager) Get(peer string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[peer]
	return c, ok
}

// End forgets the conversation with peer.
func (m *Manager) End(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[peer]; !ok {
		return false
	}
	delete(m.convs, peer)
	return true
}

// Reset ends every conversation, as on signout.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.convs = make(map[string]*Conversation)
	m.mu.Unlock()
}

// Peers lists peers with a live conversation, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.convs))
	for p := range m.convs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
