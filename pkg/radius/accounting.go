package radius

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/auth"
)

// AccountingSender is the part of Client the accountant needs.
type AccountingSender interface {
	SendAccounting(ctx context.Context, req *AcctRequest) error
}

// AccountingConfig holds accountant tunables.
type AccountingConfig struct {
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// DefaultAccountingConfig returns the default tunables.
func DefaultAccountingConfig() AccountingConfig {
	return AccountingConfig{
		QueueSize:  256,
		MaxRetries: 3,
		RetryDelay: time.Second,
		Timeout:    10 * time.Second,
	}
}

type pendingRecord struct {
	req  *AcctRequest
	done func(error)
}

// Accountant sends link accounting records from a worker goroutine so
// the event loop never blocks on the network.
type Accountant struct {
	sender AccountingSender
	config AccountingConfig
	logger *zap.Logger

	queue  chan pendingRecord
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	stats  AccountingStats
}

// AccountingStats counts records by outcome.
type AccountingStats struct {
	Sent    uint64
	Failed  uint64
	Retried uint64
	Dropped uint64
}

// NewAccountant creates a stopped accountant.
func NewAccountant(sender AccountingSender, config AccountingConfig, logger *zap.Logger) *Accountant {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultAccountingConfig()
	if config.QueueSize == 0 {
		config.QueueSize = def.QueueSize
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	return &Accountant{
		sender: sender,
		config: config,
		logger: logger,
		queue:  make(chan pendingRecord, config.QueueSize),
	}
}

// Start launches the worker.
func (a *Accountant) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.worker(ctx)
}

// Stop drains queued records and waits for the worker.
func (a *Accountant) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
	if a.cancel != nil {
		a.cancel()
	}
}

// Stats returns a snapshot of the counters.
func (a *Accountant) Stats() AccountingStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Account queues rec. A full queue drops the record and reports it.
func (a *Accountant) Account(rec auth.AcctRecord, done func(error)) {
	req := RequestFor(rec)
	a.mu.Lock()
	queued := false
	if !a.closed {
		select {
		case a.queue <- pendingRecord{req: req, done: done}:
			queued = true
		default:
		}
	}
	if !queued {
		a.stats.Dropped++
	}
	a.mu.Unlock()
	if !queued {
		a.logger.Warn("Accounting queue full, dropping record",
			zap.String("session_id", req.SessionID),
		)
		if done != nil {
			done(ErrQueueFull)
		}
	}
}

func (a *Accountant) worker(ctx context.Context) {
	defer a.wg.Done()
	for rec := range a.queue {
		err := a.send(ctx, rec.req)
		if rec.done != nil {
			rec.done(err)
		}
	}
}

func (a *Accountant) send(ctx context.Context, req *AcctRequest) error {
	var err error
	for attempt := 0; attempt < a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			a.mu.Lock()
			a.stats.Retried++
			a.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.config.RetryDelay):
			}
		}
		reqCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		err = a.sender.SendAccounting(reqCtx, req)
		cancel()
		if err == nil {
			a.mu.Lock()
			a.stats.Sent++
			a.mu.Unlock()
			return nil
		}
		a.logger.Warn("Accounting request failed",
			zap.String("session_id", req.SessionID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	a.mu.Lock()
	a.stats.Failed++
	a.mu.Unlock()
	return err
}

// RequestFor maps an accounting record onto an Accounting-Request.
func RequestFor(rec auth.AcctRecord) *AcctRequest {
	req := &AcctRequest{
		SessionID:      rec.SessionID,
		MultiSessionID: rec.MultiSessionID,
		LinkCount:      uint32(rec.LinkCount),
		Username:       rec.Authname,
		Class:          rec.Class,
		CallingID:      rec.CallingNum,
		CalledID:       rec.CalledNum,
		InputOctets:    rec.InOctets,
		OutputOctets:   rec.OutOctets,
		InputPackets:   rec.InPackets,
		OutputPackets:  rec.OutPackets,
		SessionTime:    uint32(rec.SessionTime / time.Second),
	}
	if rec.FramedIP.Is4() {
		b := rec.FramedIP.As4()
		req.FramedIP = net.IP(b[:])
	}
	switch rec.Kind {
	case auth.AcctStart:
		req.StatusType = AcctStatusStart
	case auth.AcctStop:
		req.StatusType = AcctStatusStop
		req.TerminateCause = TerminateCauseFor(rec.TerminateCause)
	default:
		req.StatusType = AcctStatusInterimUpdate
	}
	return req
}

// TerminateCauseFor maps a link down reason ("key:detail") onto an
// Acct-Terminate-Cause value.
func TerminateCauseFor(reason string) uint32 {
	key, _, _ := strings.Cut(reason, ":")
	switch key {
	case "":
		return 0
	case "Manually closed", "Manual":
		return TerminateCauseUserRequest
	case "Disconnected by peer", "Dropped":
		return TerminateCauseLostCarrier
	case "Echo timeout":
		return TerminateCauseLostService
	case "Idle timeout":
		return TerminateCauseIdleTimeout
	case "Session timeout":
		return TerminateCauseSessionTimeout
	case "Admin shutdown":
		return TerminateCauseAdminReboot
	case "Login failed", "Protocol error":
		return TerminateCauseUserError
	case "Decreased demand":
		return TerminateCausePortUnneeded
	case "Connection failed":
		return TerminateCausePortError
	default:
		return TerminateCauseNASRequest
	}
}
