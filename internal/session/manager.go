package session

import (
	"errors"
	"fmt"
	"hlswall/internal/config"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrAtCapacity is returned by Get when a new session would exceed the cost
// budget.
var ErrAtCapacity = errors.New("session: cost budget exhausted")

// ErrUnknownFormat is returned by Get for locators that are neither HLS
// playlists nor supported images.
var ErrUnknownFormat = errors.New("session: unknown locator format")

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".gif":  true,
	".webp": true,
}

// KindOf derives the session kind from the locator's path extension.
func KindOf(locator string) (Kind, error) {
	p := locator
	if u, err := url.Parse(locator); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	switch {
	case ext == ".m3u8":
		return KindVideo, nil
	case imageExtensions[ext]:
		return KindImage, nil
	case ext == ".svg":
		return KindVector, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, locator)
	}
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Manager config.Manager
	Stream  config.Stream
	Image   ImageOptions
	// NewID allocates session identifiers. Defaults to uuid.NewString.
	NewID func() string
	// NewSession builds sessions. Defaults to stream and image sessions
	// wired to the manager's Deps.
	NewSession func(id string, key Key) Session
}

type node struct {
	id       string
	key      Key
	session  Session
	cost     int
	lastUsed time.Time
}

// Manager owns every session. All methods except Snapshot must be called from
// the driver goroutine.
type Manager struct {
	opts        ManagerOptions
	deps        Deps
	nodes       map[Key]*node
	cost        int
	lastCleanup time.Time
	snapshot    atomic.Pointer[[]Info]
}

// NewManager creates a new session manager.
func NewManager(opts ManagerOptions, deps Deps) *Manager {
	m := &Manager{
		opts:  opts,
		deps:  deps,
		nodes: make(map[Key]*node),
	}
	if m.opts.NewID == nil {
		m.opts.NewID = uuid.NewString
	}
	if m.opts.NewSession == nil {
		m.opts.NewSession = m.newSession
	}
	empty := []Info{}
	m.snapshot.Store(&empty)
	return m
}

func (m *Manager) newSession(id string, key Key) Session {
	switch key.Kind {
	case KindImage:
		return NewImageSession(id, key.Locator, m.opts.Image, m.deps)
	case KindVector:
		return NewVectorSession(id, key.Locator, key.Width, key.Height, m.opts.Image, m.deps)
	default:
		return NewStreamSession(id, key.Locator, m.opts.Stream, m.deps)
	}
}

func (m *Manager) costOf(kind Kind) int {
	if kind == KindVideo {
		return m.opts.Manager.VideoCost
	}
	return m.opts.Manager.ImageCost
}

// Get returns the session for locator, creating it if the budget allows.
// Every call marks the session as used at now. Vector images are rendered
// at the image size bound.
func (m *Manager) Get(locator string, now time.Time) (Session, error) {
	return m.GetSized(locator, 0, 0, now)
}

// GetSized is Get with a requested render size. The size only matters for
// vector images, which get one session per size. A zero width or height
// falls back to the image size bound.
func (m *Manager) GetSized(locator string, width, height int, now time.Time) (Session, error) {
	kind, err := KindOf(locator)
	if err != nil {
		m.deps.Metrics.SessionRejected("format")
		return nil, err
	}
	key := Key{Locator: locator, Kind: kind}
	if kind == KindVector {
		key.Width, key.Height = width, height
		if key.Width <= 0 || key.Height <= 0 {
			key.Width, key.Height = m.opts.Image.MaxWidth, m.opts.Image.MaxHeight
		}
	}
	if n, found := m.nodes[key]; found {
		n.lastUsed = now
		return n.session, nil
	}

	cost := m.costOf(kind)
	if m.cost+cost > m.opts.Manager.CostBudget {
		m.deps.Metrics.SessionRejected("capacity")
		return nil, fmt.Errorf("%w: %d of %d used, %s needs %d", ErrAtCapacity, m.cost, m.opts.Manager.CostBudget, kind, cost)
	}

	id := m.opts.NewID()
	n := &node{
		id:       id,
		key:      key,
		session:  m.opts.NewSession(id, key),
		cost:     cost,
		lastUsed: now,
	}
	m.nodes[key] = n
	m.cost += cost
	m.deps.Metrics.SessionOpened(kind.String())
	m.deps.Logger.Infof("Created %s session %s for %s (cost %d/%d)", kind, id, locator, m.cost, m.opts.Manager.CostBudget)
	return n.session, nil
}

// Tick advances every session once and runs the periodic idle cleanup.
func (m *Manager) Tick(now time.Time) {
	start := time.Now()
	if m.lastCleanup.IsZero() {
		m.lastCleanup = now
	}
	for _, n := range m.nodes {
		m.tickOne(n, now)
	}
	if now.Sub(m.lastCleanup) >= m.opts.Manager.CleanupInterval {
		m.lastCleanup = now
		m.Cleanup(now)
	}
	m.publish()
	m.deps.Metrics.Ticked(time.Since(start))
}

func (m *Manager) tickOne(n *node, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			m.deps.Logger.Errorf("Session %s (%s) panicked during tick: %v", n.id, n.key.Locator, r)
		}
	}()
	n.session.Tick(now)
}

// Cleanup evicts sessions unused for the idle timeout. A zero now evicts
// everything. It returns how many sessions were closed.
func (m *Manager) Cleanup(now time.Time) int {
	evicted := 0
	for key, n := range m.nodes {
		if !now.IsZero() && now.Sub(n.lastUsed) < m.opts.Manager.IdleTimeout {
			continue
		}
		delete(m.nodes, key)
		m.cost -= n.cost
		m.closeOne(n)
		m.deps.Metrics.SessionClosed(key.Kind.String())
		evicted++
	}
	if evicted > 0 {
		m.deps.Logger.Infof("Evicted %d sessions, %d remain (cost %d)", evicted, len(m.nodes), m.cost)
		m.publish()
	}
	return evicted
}

func (m *Manager) closeOne(n *node) {
	defer func() {
		if r := recover(); r != nil {
			m.deps.Logger.Errorf("Session %s panicked during close: %v", n.id, r)
		}
	}()
	n.session.Close()
}

// Cost returns the summed cost of all sessions.
func (m *Manager) Cost() int {
	return m.cost
}

// Len returns the number of sessions.
func (m *Manager) Len() int {
	return len(m.nodes)
}

// publish stores a fresh snapshot for readers on other goroutines.
func (m *Manager) publish() {
	infos := make([]Info, 0, len(m.nodes))
	for _, n := range m.nodes {
		info := n.session.Info()
		info.ID = n.id
		info.Cost = n.cost
		info.LastUsed = n.lastUsed
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	m.snapshot.Store(&infos)
}

// Snapshot returns the infos published by the last Tick. It is safe to call
// from any goroutine.
func (m *Manager) Snapshot() []Info {
	return *m.snapshot.Load()
}
