package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/auth"
	"github.com/codelaboratoryltd/mpd/pkg/config"
	"github.com/codelaboratoryltd/mpd/pkg/event"
	"github.com/codelaboratoryltd/mpd/pkg/iface"
	"github.com/codelaboratoryltd/mpd/pkg/metrics"
	"github.com/codelaboratoryltd/mpd/pkg/phys"
	"github.com/codelaboratoryltd/mpd/pkg/ppp"
	"github.com/codelaboratoryltd/mpd/pkg/radius"
)

// daemon ties the manager to its collaborators. Everything touching the
// manager runs on the event loop.
type daemon struct {
	ctx     context.Context
	loop    *event.Loop
	log     *zap.Logger
	m       *ppp.Manager
	metrics *metrics.Metrics
	acct    *radius.Accountant

	// Kernel name requested per bundle; touched on the loop only.
	tunNames map[string]string
	ifaces   []*iface.Iface
}

func newDaemon(ctx context.Context, loop *event.Loop, cfg *config.Config, logger *zap.Logger) (*daemon, error) {
	d := &daemon{
		ctx:      ctx,
		loop:     loop,
		log:      logger,
		tunNames: make(map[string]string),
	}
	for _, b := range cfg.Bundles {
		d.tunNames[b.Name] = b.Interface
	}

	var verifier auth.Verifier = auth.NewLocalVerifier(cfg.Auth.Table())
	var accountant auth.Accountant
	var acctSource metrics.AccountingSource

	var client *radius.Client
	if cfg.Radius.Enabled {
		servers := make([]radius.ServerConfig, 0, len(cfg.Radius.Servers))
		for _, s := range cfg.Radius.Servers {
			servers = append(servers, radius.ServerConfig{
				Host:     s.Host,
				Port:     s.Port,
				AcctPort: s.AcctPort,
				Secret:   s.Secret,
			})
		}
		var err error
		client, err = radius.NewClient(radius.ClientConfig{
			Servers: servers,
			NASID:   cfg.Radius.NASID,
			Timeout: cfg.Radius.Timeout,
			Retries: cfg.Radius.Retries,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create RADIUS client: %w", err)
		}
		if cfg.Radius.Accounting {
			d.acct = radius.NewAccountant(client, radius.DefaultAccountingConfig(), logger)
			accountant = d.acct
			acctSource = d.acct
		}
	}

	d.metrics = metrics.New(acctSource, logger)
	if client != nil {
		rv := radius.NewVerifier(client, cfg.Radius.Timeout*time.Duration(cfg.Radius.Retries+1), logger)
		rv.Observe = d.metrics.RecordRADIUSRequest
		verifier = rv
	}

	d.m = ppp.NewManager(loop, ppp.ManagerConfig{
		Verifier:     verifier,
		Accountant:   accountant,
		Recorder:     d.metrics,
		NewInterface: d.newInterface,
	}, logger)
	return d, nil
}

// newInterface opens the TUN device of a bundle. Template instances get
// a kernel assigned name.
func (d *daemon) newInterface(bundle string) (ppp.Interface, error) {
	tun, name, err := iface.OpenTUN(d.tunNames[bundle])
	if err != nil {
		return nil, err
	}
	ifc := iface.New(name, d.loop, iface.NewPlatform(), tun, d.log)
	ifc.Start(d.ctx)
	d.ifaces = append(d.ifaces, ifc)
	d.log.Info("Interface created", zap.String("bundle", bundle), zap.String("iface", name))
	return ifc, nil
}

// build creates the configured links and bundles and opens the bundles
// marked open. Runs on the loop.
func (d *daemon) build(cfg *config.Config) error {
	for _, lc := range cfg.Links {
		conf, err := lc.PPP()
		if err != nil {
			return fmt.Errorf("link %s: %w", lc.Name, err)
		}
		mtu := lc.Device.MTU
		if mtu == 0 {
			mtu = conf.MTU
		}
		dev, err := phys.NewUDPDevice(d.loop, phys.UDPConfig{
			Self: lc.Device.Self,
			Peer: lc.Device.Peer,
			MTU:  mtu,
		}, d.log.With(zap.String("link", lc.Name)))
		if err != nil {
			return fmt.Errorf("link %s: %w", lc.Name, err)
		}
		if _, err := d.m.NewLink(lc.Name, dev, conf); err != nil {
			return err
		}
		if conf.Options.Enabled(ppp.LinkIncoming) && !conf.Template {
			if err := dev.Listen(); err != nil {
				return fmt.Errorf("link %s: listen: %w", lc.Name, err)
			}
		}
	}

	for _, bc := range cfg.Bundles {
		conf, err := bc.PPP()
		if err != nil {
			return fmt.Errorf("bundle %s: %w", bc.Name, err)
		}
		b, err := d.m.NewBundle(bc.Name, conf)
		if err != nil {
			return err
		}
		if bc.Open {
			if err := b.Open(); err != nil {
				return fmt.Errorf("bundle %s: %w", bc.Name, err)
			}
		}
	}
	return nil
}

// reload pushes new tunables into running objects. Runs on the loop.
func (d *daemon) reload(cfg *config.Config) {
	for _, lc := range cfg.Links {
		l := d.m.FindLink(lc.Name)
		if l == nil {
			continue
		}
		conf, err := lc.PPP()
		if err != nil {
			continue
		}
		l.SetTimeouts(conf.Retry, conf.EchoInterval, conf.EchoMax, conf.RedialDelay)
	}
	for _, bc := range cfg.Bundles {
		b := d.m.FindBundle(bc.Name)
		if b == nil {
			continue
		}
		b.SetBMConfig(bc.BM.PPP())
	}
	d.log.Info("Applied new tunables")
}

// onLoop runs fn on the loop and waits for its result.
func onLoop[T any](loop *event.Loop, fn func() T) (T, error) {
	ch := make(chan T, 1)
	loop.Post(func() { ch <- fn() })
	select {
	case v := <-ch:
		return v, nil
	case <-time.After(time.Second):
		var zero T
		return zero, errors.New("event loop not responding")
	}
}

type healthStatus struct {
	Status    string `json:"status"`
	Links     int    `json:"links"`
	LinksUp   int    `json:"links_up"`
	Bundles   int    `json:"bundles"`
	BundlesUp int    `json:"bundles_up"`
	Shutdown  bool   `json:"shutdown"`
}

func (d *daemon) health() healthStatus {
	h := healthStatus{Status: "ok", Shutdown: d.m.ShutdownInProgress()}
	for _, l := range d.m.Links() {
		h.Links++
		if l.Phase() == ppp.PhaseNetwork {
			h.LinksUp++
		}
	}
	for _, b := range d.m.Bundles() {
		h.Bundles++
		if b.NumUp() > 0 {
			h.BundlesUp++
		}
	}
	if h.Shutdown {
		h.Status = "shutting down"
	}
	return h
}

func (d *daemon) healthHandler(w http.ResponseWriter, r *http.Request) {
	h, err := onLoop(d.loop, d.health)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		h.Status = err.Error()
	} else if h.Shutdown {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}

// shutdown closes every session and waits until the manager is idle or
// timeout passes.
func (d *daemon) shutdown(timeout time.Duration) bool {
	d.loop.Post(d.m.Shutdown)
	deadline := time.Now().Add(timeout)
	for {
		idle, err := onLoop(d.loop, d.m.Idle)
		if err == nil && idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (d *daemon) close() {
	for _, ifc := range d.ifaces {
		ifc.Close()
	}
	if d.acct != nil {
		d.acct.Stop()
	}
}

func runMPD(cmd *cobra.Command, args []string) error {
	if err := applyDaemonSettings(cmd); err != nil {
		return err
	}
	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	logger, err := initLogger(level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	watcher, err := config.NewWatcher(configFile, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer watcher.Close()
	cfg := watcher.Get()

	logger.Info("Starting mpd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("config", configFile),
		zap.Int("links", len(cfg.Links)),
		zap.Int("bundles", len(cfg.Bundles)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := event.NewLoop(logger)
	d, err := newDaemon(ctx, loop, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()
	if d.acct != nil {
		d.acct.Start(ctx)
	}
	if err := d.metrics.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	buildErr, err := onLoop(loop, func() error { return d.build(cfg) })
	if err == nil {
		err = buildErr
	}
	if err != nil {
		return fmt.Errorf("failed to create links and bundles: %w", err)
	}

	watcher.OnChange(func(old, new *config.Config) {
		if old.Daemon.LogLevel != new.Daemon.LogLevel && !cmd.Flags().Changed("log-level") {
			if l, err := parseLevel(new.Daemon.LogLevel); err == nil {
				level.SetLevel(l.Level())
			}
		}
		loop.Post(func() { d.reload(new) })
	})

	stopCollector := make(chan struct{})
	defer close(stopCollector)
	go d.metrics.StartCollector(15*time.Second, stopCollector)

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler())
		mux.HandleFunc("/health", d.healthHandler)
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Metrics server listening", zap.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-loopDone:
		return fmt.Errorf("event loop stopped: %w", err)
	}

	if d.shutdown(shutdownTimeout) {
		logger.Info("All sessions closed")
	} else {
		logger.Warn("Shutdown timed out with sessions still open", zap.Duration("timeout", shutdownTimeout))
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}
	cancel()
	<-loopDone
	logger.Info("mpd stopped")
	return nil
}
