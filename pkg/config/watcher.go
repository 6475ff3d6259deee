package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrRestartRequired is returned for reloads that change structure.
var ErrRestartRequired = errors.New("change requires restart")

// Watcher reloads the configuration file when it changes. Only tunables
// may change at runtime; structural edits are refused and the running
// configuration stays in place.
type Watcher struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Config]

	mu        sync.Mutex
	callbacks []func(old, new *Config)

	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	done      chan struct{}
	reloading atomic.Bool
}

// NewWatcher loads path and starts watching it.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	w, err := newWatcher(path, logger)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Editors replace the file, so watch the directory.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	w.watcher = fw
	go w.watchLoop()
	return w, nil
}

// newWatcher loads path without watching it.
func newWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}
	w := &Watcher{
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	w.current.Store(cfg)
	return w, nil
}

// Get returns the current configuration.
func (w *Watcher) Get() *Config {
	return w.current.Load()
}

// OnChange registers fn to run after each accepted reload, on the
// watcher goroutine.
func (w *Watcher) OnChange(fn func(old, new *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Reload forces a reload from disk.
func (w *Watcher) Reload() error {
	if !w.reloading.CompareAndSwap(false, true) {
		return fmt.Errorf("reload already in progress")
	}
	defer w.reloading.Store(false)

	newCfg, err := Load(w.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	oldCfg := w.Get()
	if err := ValidateTransition(oldCfg, newCfg); err != nil {
		return err
	}
	w.current.Store(newCfg)

	w.mu.Lock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(oldCfg, newCfg)
	}
	return nil
}

// ValidateTransition refuses changes other than timeouts, bandwidth
// management and the log level.
func ValidateTransition(old, new *Config) error {
	if old.Daemon.MetricsAddr != new.Daemon.MetricsAddr {
		return fmt.Errorf("%w: metrics-addr", ErrRestartRequired)
	}
	if len(old.Links) != len(new.Links) {
		return fmt.Errorf("%w: links added or removed", ErrRestartRequired)
	}
	for i, ol := range old.Links {
		nl := new.Links[i]
		if !sameLinkStructure(ol, nl) {
			return fmt.Errorf("%w: link %q", ErrRestartRequired, ol.Name)
		}
	}
	if len(old.Bundles) != len(new.Bundles) {
		return fmt.Errorf("%w: bundles added or removed", ErrRestartRequired)
	}
	for i, ob := range old.Bundles {
		nb := new.Bundles[i]
		if !sameBundleStructure(ob, nb) {
			return fmt.Errorf("%w: bundle %q", ErrRestartRequired, ob.Name)
		}
	}
	if !sameRadius(old.Radius, new.Radius) {
		return fmt.Errorf("%w: radius", ErrRestartRequired)
	}
	return nil
}

func sameLinkStructure(a, b LinkConfig) bool {
	// Tunables are allowed to differ.
	a.RedialDelay, b.RedialDelay = 0, 0
	a.FSMTimeout, b.FSMTimeout = 0, 0
	a.EchoInterval, b.EchoInterval = 0, 0
	a.EchoMax, b.EchoMax = 0, 0
	return a.Name == b.Name &&
		a.Template == b.Template &&
		a.Device == b.Device &&
		sameOptions(a.Options, b.Options) &&
		a.MRU == b.MRU && a.MTU == b.MTU && a.MRRU == b.MRRU &&
		*a.Accmap == *b.Accmap && *a.MaxRedial == *b.MaxRedial &&
		a.MaxChildren == b.MaxChildren &&
		a.Bandwidth == b.Bandwidth && a.Latency == b.Latency &&
		a.Ident == b.Ident &&
		slices.Equal(a.Actions, b.Actions) &&
		a.Authname == b.Authname && a.Password == b.Password &&
		a.AcctUpdate == b.AcctUpdate
}

func sameBundleStructure(a, b BundleConfig) bool {
	return a.Name == b.Name &&
		a.Template == b.Template &&
		slices.Equal(a.Links, b.Links) &&
		sameOptions(a.Options, b.Options) &&
		sameOptions(a.IPCP.Options, b.IPCP.Options) &&
		a.IPCP.Self == b.IPCP.Self && a.IPCP.Peer == b.IPCP.Peer &&
		slices.Equal(a.IPCP.DNS, b.IPCP.DNS) && slices.Equal(a.IPCP.NBNS, b.IPCP.NBNS) &&
		sameOptions(a.CCP.Options, b.CCP.Options) && a.CCP.Window == b.CCP.Window &&
		sameOptions(a.ECP.Options, b.ECP.Options) && a.ECP.Key == b.ECP.Key &&
		a.Interface == b.Interface &&
		a.OnDemand == b.OnDemand && a.Open == b.Open
}

func sameOptions(a, b OptionSet) bool {
	return slices.Equal(a.Enable, b.Enable) &&
		slices.Equal(a.Disable, b.Disable) &&
		slices.Equal(a.Accept, b.Accept) &&
		slices.Equal(a.Deny, b.Deny)
}

func sameRadius(a, b RadiusConfig) bool {
	return a.Enabled == b.Enabled &&
		slices.Equal(a.Servers, b.Servers) &&
		a.NASID == b.NASID &&
		a.Timeout == b.Timeout &&
		a.Retries == b.Retries &&
		a.Accounting == b.Accounting
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	target := filepath.Clean(w.path)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Warn("Config reload failed", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.logger.Info("Config reloaded", zap.String("path", w.path))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		case <-w.stopCh:
			return
		}
	}
}

// Close stops the file watcher.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done
	return err
}
