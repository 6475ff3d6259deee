package ppp

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/auth"
	"github.com/codelaboratoryltd/mpd/pkg/event"
	"github.com/codelaboratoryltd/mpd/pkg/mp"
	"github.com/codelaboratoryltd/mpd/pkg/phys"
)

// DefaultMaxChildren caps template instances daemon-wide.
const DefaultMaxChildren = 10000

// ManagerConfig wires the collaborators of the control plane.
type ManagerConfig struct {
	// Verifier checks peer credentials. Nil refuses every peer that
	// has to authenticate.
	Verifier auth.Verifier
	// Accountant receives Start, Update and Stop records.
	Accountant auth.Accountant
	// Recorder receives metric events.
	Recorder Recorder
	// NewInterface creates the system interface of a bundle.
	NewInterface func(bundle string) (Interface, error)
	// Discrim is our endpoint discriminator. Zero picks mp.SelfDiscrim.
	Discrim mp.Discrim
	// MaxChildren caps template instances. Zero means DefaultMaxChildren.
	MaxChildren int
}

// Manager owns every link and bundle. Objects are kept in slices indexed
// by id and new objects take the first free slot.
type Manager struct {
	loop *event.Loop
	log  *zap.Logger
	conf ManagerConfig
	rec  Recorder

	discrim mp.Discrim

	links    []*Link
	bundles  []*Bundle
	children int
	shutdown bool
}

// NewManager creates an empty manager.
func NewManager(loop *event.Loop, conf ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conf.MaxChildren == 0 {
		conf.MaxChildren = DefaultMaxChildren
	}
	m := &Manager{
		loop:    loop,
		log:     logger,
		conf:    conf,
		rec:     conf.Recorder,
		discrim: conf.Discrim,
	}
	if m.rec == nil {
		m.rec = nopRecorder{}
	}
	if m.discrim.IsZero() {
		m.discrim = mp.SelfDiscrim()
	}
	return m
}

// Loop returns the event loop everything runs on.
func (m *Manager) Loop() *event.Loop {
	return m.loop
}

// SelfDiscrim returns the endpoint discriminator we announce.
func (m *Manager) SelfDiscrim() mp.Discrim {
	return m.discrim
}

// ShutdownInProgress reports whether Shutdown was called.
func (m *Manager) ShutdownInProgress() bool {
	return m.shutdown
}

// NewLink creates a link, or a link template when conf.Template is set.
func (m *Manager) NewLink(name string, dev phys.Device, conf LinkConfig) (*Link, error) {
	if m.shutdown {
		return nil, ErrShutdownInProgress
	}
	if name == "" || strings.ContainsAny(name, " []") {
		return nil, fmt.Errorf("bad link name %q", name)
	}
	if m.FindLink(name) != nil {
		return nil, fmt.Errorf("%w: link %q", ErrExists, name)
	}
	if dev == nil {
		return nil, fmt.Errorf("link %q has no device", name)
	}
	id := m.freeLinkSlot()
	l := newLink(m, name, id, dev, conf)
	l.tmpl = conf.Template
	l.stay = !conf.Template
	m.links[id] = l
	l.log.Debug("Link: created", zap.Int("id", id), zap.Bool("template", l.tmpl))
	return l, nil
}

// NewBundle creates a bundle, or a bundle template when conf.Template is
// set.
func (m *Manager) NewBundle(name string, conf BundleConfig) (*Bundle, error) {
	if m.shutdown {
		return nil, ErrShutdownInProgress
	}
	if name == "" || strings.ContainsAny(name, " []") {
		return nil, fmt.Errorf("bad bundle name %q", name)
	}
	if m.FindBundle(name) != nil {
		return nil, fmt.Errorf("%w: bundle %q", ErrExists, name)
	}
	id := m.freeBundleSlot()
	b, err := newBundle(m, name, id, conf)
	if err != nil {
		return nil, err
	}
	b.tmpl = conf.Template
	b.stay = !conf.Template
	m.bundles[id] = b
	return b, nil
}

func (m *Manager) freeLinkSlot() int {
	for i, l := range m.links {
		if l == nil {
			return i
		}
	}
	m.links = append(m.links, nil)
	return len(m.links) - 1
}

func (m *Manager) freeBundleSlot() int {
	for i, b := range m.bundles {
		if b == nil {
			return i
		}
	}
	m.bundles = append(m.bundles, nil)
	return len(m.bundles) - 1
}

// parseID accepts the "[id]" form, id in hex.
func parseID(name string) (int, bool) {
	if len(name) < 3 || name[0] != '[' || name[len(name)-1] != ']' {
		return 0, false
	}
	id, err := strconv.ParseUint(name[1:len(name)-1], 16, 31)
	if err != nil {
		return 0, false
	}
	return int(id), true
}

// FindLink looks a link up by name or by "[id]".
func (m *Manager) FindLink(name string) *Link {
	if id, ok := parseID(name); ok {
		if id < len(m.links) && m.links[id] != nil && !m.links[id].dead {
			return m.links[id]
		}
		return nil
	}
	for _, l := range m.links {
		if l != nil && !l.dead && l.name == name {
			return l
		}
	}
	return nil
}

// FindBundle looks a bundle up by name or by "[id]".
func (m *Manager) FindBundle(name string) *Bundle {
	if id, ok := parseID(name); ok {
		if id < len(m.bundles) && m.bundles[id] != nil && !m.bundles[id].dead {
			return m.bundles[id]
		}
		return nil
	}
	for _, b := range m.bundles {
		if b != nil && !b.dead && b.name == name {
			return b
		}
	}
	return nil
}

// Links returns the live links in id order.
func (m *Manager) Links() []*Link {
	var out []*Link
	for _, l := range m.links {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// Bundles returns the live bundles in id order.
func (m *Manager) Bundles() []*Bundle {
	var out []*Bundle
	for _, b := range m.bundles {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// Shutdown starts the graceful shutdown sequence: no new bundle joins
// are admitted and every bundle and link is closed.
func (m *Manager) Shutdown() {
	if m.shutdown {
		return
	}
	m.log.Info("Shutdown sequence started")
	m.shutdown = true
	for _, b := range m.Bundles() {
		if !b.tmpl {
			b.recordReason(false, ReasonAdminShutdown, "")
			b.close()
		}
	}
	for _, l := range m.Links() {
		if !l.tmpl {
			l.recordReason(false, ReasonAdminShutdown, "")
			l.close()
		}
	}
}

// Idle reports whether every link is down with no accounting pending.
// After Shutdown the daemon waits for Idle before exiting.
func (m *Manager) Idle() bool {
	for _, l := range m.links {
		if l == nil || l.tmpl {
			continue
		}
		if l.acctPending > 0 || l.lcp.phase != PhaseDead || l.dev.State() != phys.StateDown {
			return false
		}
	}
	return true
}
