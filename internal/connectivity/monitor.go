// Package connectivity decides whether the cloud is reachable. It flips to
// online on one good probe and to offline only after a run of failures.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"possync/internal/commons"
	"possync/internal/config"
	"possync/internal/domain"
)

type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

type Monitor struct {
	prober    Prober
	state     *commons.Observable[domain.ConnectivityState]
	interval  time.Duration
	timeout   time.Duration
	debounce  time.Duration
	threshold int
	logger    *zap.Logger
	now       func() time.Time

	// seq numbers probes in start order; lastApplied is only touched inside
	// state.Update so it shares the observable's lock.
	mu          sync.Mutex
	seq         uint64
	lastApplied uint64
	debounced   *time.Timer
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewMonitor(prober Prober, cfg config.ConnectivityConfig, logger *zap.Logger) *Monitor {
	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Monitor{
		prober:    prober,
		state:     commons.NewObservable(domain.ConnectivityState{Mode: domain.ModeChecking}),
		interval:  interval,
		timeout:   timeout,
		debounce:  cfg.Debounce,
		threshold: threshold,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		runCtx:    context.Background(),
	}
}

func (m *Monitor) State() domain.ConnectivityState {
	return m.state.Get()
}

func (m *Monitor) IsOnline() bool {
	return m.state.Get().IsOnline()
}

// Subscribe registers fn for every state update and returns the unsubscribe
// function.
func (m *Monitor) Subscribe(fn func(prev, next domain.ConnectivityState)) func() {
	return m.state.Subscribe(fn)
}

// OnOnline calls fn on each transition into online.
func (m *Monitor) OnOnline(fn func()) func() {
	return m.state.Subscribe(func(prev, next domain.ConnectivityState) {
		if prev.Mode != domain.ModeOnline && next.Mode == domain.ModeOnline {
			fn()
		}
	})
}

// Start probes once immediately and then every interval until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.runCtx, m.cancel = context.WithCancel(ctx)
	runCtx := m.runCtx
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.probeAsync(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.probeAsync(runCtx)
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.debounced != nil {
		m.debounced.Stop()
	}
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Check runs one probe and waits for its result.
func (m *Monitor) Check(ctx context.Context) domain.ConnectivityState {
	m.probe(ctx, m.nextSeq())
	return m.state.Get()
}

// Retry is the manual "try again" action.
func (m *Monitor) Retry(ctx context.Context) domain.ConnectivityState {
	m.logger.Info("manual connectivity retry")
	return m.Check(ctx)
}

// Trigger schedules a probe after the debounce window; calls inside the
// window collapse into one probe. Used for resume and visibility signals.
func (m *Monitor) Trigger() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.debounced != nil {
		m.debounced.Stop()
	}
	runCtx := m.runCtx
	m.debounced = time.AfterFunc(m.debounce, func() {
		m.probeAsync(runCtx)
	})
}

// Hint reports an environment signal such as a link change. Hints never set
// the state directly; they only cause a re-probe.
func (m *Monitor) Hint(online bool) {
	m.logger.Debug("connectivity hint", zap.Bool("online", online))
	m.Trigger()
}

func (m *Monitor) nextSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

// probeAsync runs the probe on its own goroutine so a hung probe never delays
// the next tick.
func (m *Monitor) probeAsync(ctx context.Context) {
	seq := m.nextSeq()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probe(ctx, seq)
	}()
}

func (m *Monitor) probe(parent context.Context, seq uint64) {
	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()

	started := time.Now()
	err := m.prober.Probe(ctx)
	latency := time.Since(started)

	if parent.Err() != nil {
		return
	}
	m.apply(seq, err, latency)
}

func (m *Monitor) apply(seq uint64, probeErr error, latency time.Duration) {
	var prev domain.ConnectivityState
	discarded := false
	at := m.now()

	next := m.state.Update(func(s domain.ConnectivityState) domain.ConnectivityState {
		prev = s
		if seq <= m.lastApplied {
			discarded = true
			return s
		}
		m.lastApplied = seq

		s.LastCheckTime = at
		if probeErr == nil {
			s.Mode = domain.ModeOnline
			s.ConsecutiveFailures = 0
			s.LastLatency = latency
			s.LastSuccessTime = at
			return s
		}

		s.ConsecutiveFailures++
		if s.ConsecutiveFailures >= m.threshold {
			s.Mode = domain.ModeOffline
		}
		return s
	})

	if discarded {
		m.logger.Debug("late probe result discarded", zap.Uint64("seq", seq))
		return
	}
	if probeErr != nil {
		m.logger.Debug("connectivity probe failed",
			zap.Int("consecutiveFailures", next.ConsecutiveFailures),
			zap.Error(probeErr))
	}
	if prev.Mode != next.Mode {
		m.logger.Info("connectivity changed",
			zap.String("from", string(prev.Mode)),
			zap.String("to", string(next.Mode)),
			zap.Duration("latency", latency))
	}
}
