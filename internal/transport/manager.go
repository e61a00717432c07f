package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"possync/internal/commons"
	"possync/internal/config"
	"possync/internal/domain"
	"possync/internal/protocol"
)

const controlTimeout = 5 * time.Second

// channelState is guarded by Manager.mu. gen numbers connect attempts so a
// disconnect from an earlier link cannot touch the current one; dropped
// records a disconnect that fired before Connect returned.
type channelState struct {
	ch         Channel
	connected  bool
	connecting bool
	attempts   int
	lastError  string
	gen        uint64
	dropped    bool
}

type ChannelStatus struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Connected  bool   `json:"connected"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"lastError,omitempty"`
}

type Status struct {
	Mode     Mode               `json:"mode"`
	Central  ChannelStatus      `json:"central"`
	Local    ChannelStatus      `json:"local"`
	Polling  bool               `json:"polling"`
	OutletID int64              `json:"outletId"`
	Role     domain.SessionRole `json:"role,omitempty"`
}

type handlerEntry struct {
	event string
	fn    func(protocol.OrderEvent)
}

// Manager owns both channels and the poller and presents them as one
// channel-agnostic event stream.
type Manager struct {
	central *channelState
	local   *channelState
	poller  *Poller

	pollInterval      time.Duration
	reconnectAttempts int
	reconnectDelay    time.Duration
	logger            *zap.Logger

	mode   *commons.Observable[Mode]
	recent *recentEvents

	mu       sync.Mutex
	outletID int64
	role     domain.SessionRole
	handlers map[int]handlerEntry
	nextID   int
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager accepts nil for any channel or poller that is not configured.
func NewManager(central, local Channel, poller *Poller, cfg config.TransportConfig, logger *zap.Logger) *Manager {
	attempts := cfg.ReconnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	m := &Manager{
		poller:            poller,
		pollInterval:      pollInterval,
		reconnectAttempts: attempts,
		reconnectDelay:    cfg.ReconnectDelay,
		logger:            logger,
		mode:              commons.NewObservable(ModeNone),
		recent:            newRecentEvents(512),
		handlers:          make(map[int]handlerEntry),
		ctx:               context.Background(),
	}
	if central != nil {
		m.central = &channelState{ch: central}
	}
	if local != nil {
		m.local = &channelState{ch: local}
	}
	m.refreshMode()
	return m
}

func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.closed = false
	m.mu.Unlock()

	m.launch(m.central)
	m.launch(m.local)

	if m.poller != nil {
		m.wg.Add(1)
		go m.pollLoop()
	}
}

func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, cs := range []*channelState{m.central, m.local} {
		if cs == nil {
			continue
		}
		if err := cs.ch.Close(); err != nil {
			m.logger.Warn("closing channel", zap.String("channel", cs.ch.Name()), zap.Error(err))
		}
	}
	m.wg.Wait()
}

func (m *Manager) Mode() Mode {
	return m.mode.Get()
}

// SubscribeMode calls fn on every mode change.
func (m *Manager) SubscribeMode(fn func(prev, next Mode)) func() {
	return m.mode.Subscribe(func(prev, next Mode) {
		if prev != next {
			fn(prev, next)
		}
	})
}

func (m *Manager) Status() Status {
	// refreshMode takes mu inside the mode lock, so mode is read first.
	mode := m.mode.Get()

	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Mode:     mode,
		Central:  channelStatus(m.central),
		Local:    channelStatus(m.local),
		Polling:  mode == ModePolling,
		OutletID: m.outletID,
		Role:     m.role,
	}
}

func channelStatus(cs *channelState) ChannelStatus {
	if cs == nil {
		return ChannelStatus{}
	}
	return ChannelStatus{
		Name:       cs.ch.Name(),
		Configured: true,
		Connected:  cs.connected,
		Attempts:   cs.attempts,
		LastError:  cs.lastError,
	}
}

// On registers fn for one order event name, or for every order event when
// event is empty. It returns the unsubscribe function.
func (m *Manager) On(event string, fn func(protocol.OrderEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = handlerEntry{event: event, fn: fn}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// SubscribeOutlet joins the outlet room on every connected channel and on
// every channel that connects later.
func (m *Manager) SubscribeOutlet(ctx context.Context, outletID int64) error {
	m.mu.Lock()
	m.outletID = outletID
	m.mu.Unlock()
	if m.poller != nil {
		m.poller.SetOutlet(outletID)
	}

	env, err := protocol.NewEnvelope(protocol.EventSubscribeOutlet, map[string]int64{"outlet_id": outletID})
	if err != nil {
		return err
	}
	return ignoreNoChannel(m.sendAll(ctx, env))
}

// Identify announces the terminal role; it is re-sent after each reconnect.
func (m *Manager) Identify(ctx context.Context, role domain.SessionRole) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	m.mu.Lock()
	m.role = role
	m.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.EventIdentify, protocol.Identify{Type: role})
	if err != nil {
		return err
	}
	return ignoreNoChannel(m.sendAll(ctx, env))
}

// Control messages are replayed on connect, so having no link yet is fine.
func ignoreNoChannel(err error) error {
	if errors.Is(err, ErrNoChannel) {
		return nil
	}
	return err
}

// Publish writes to every connected channel in parallel. Errors from
// individual channels are combined; none of them stops the others.
func (m *Manager) Publish(ctx context.Context, event string, data any) error {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	return m.sendAll(ctx, env)
}

func (m *Manager) sendAll(ctx context.Context, env protocol.Envelope) error {
	targets := m.connectedChannels()
	if len(targets) == 0 {
		return ErrNoChannel
	}

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, ch := range targets {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			errs[i] = ch.Send(ctx, env)
		}(i, ch)
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

func (m *Manager) connectedChannels() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Channel
	for _, cs := range []*channelState{m.central, m.local} {
		if cs != nil && cs.connected {
			out = append(out, cs.ch)
		}
	}
	return out
}

// Reconnect restarts the bounded connect loop for every channel that is down
// and not already retrying. Called when connectivity comes back.
func (m *Manager) Reconnect() {
	m.launch(m.central)
	m.launch(m.local)
}

func (m *Manager) launch(cs *channelState) {
	if cs == nil {
		return
	}
	m.mu.Lock()
	if cs.connected || cs.connecting || m.closed {
		m.mu.Unlock()
		return
	}
	cs.connecting = true
	cs.attempts = 0
	m.wg.Add(1)
	m.mu.Unlock()

	go m.connectLoop(cs)
}

func (m *Manager) connectLoop(cs *channelState) {
	defer m.wg.Done()
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	name := cs.ch.Name()

	for attempt := 1; attempt <= m.reconnectAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}

		m.mu.Lock()
		cs.gen++
		gen := cs.gen
		cs.dropped = false
		m.mu.Unlock()

		err := cs.ch.Connect(ctx, m.handleEnvelope, func(err error) { m.onDisconnect(cs, gen, err) })

		m.mu.Lock()
		cs.attempts = attempt
		if err == nil && cs.dropped {
			err = errDroppedDuringConnect
		}
		if err == nil {
			cs.connected = true
			cs.connecting = false
			cs.lastError = ""
			m.mu.Unlock()

			m.logger.Info("channel connected", zap.String("channel", name), zap.Int("attempt", attempt))
			m.refreshMode()
			m.replayControl(cs.ch)
			return
		}
		cs.lastError = err.Error()
		m.mu.Unlock()

		m.logger.Warn("channel connect failed",
			zap.String("channel", name),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", m.reconnectAttempts),
			zap.Error(err))

		if attempt < m.reconnectAttempts && !sleepCtx(ctx, m.reconnectDelay) {
			break
		}
	}

	m.mu.Lock()
	cs.connecting = false
	m.mu.Unlock()
	m.logger.Warn("channel unavailable until next reconnect", zap.String("channel", name))
}

var errDroppedDuringConnect = errors.New("link dropped during connect")

func (m *Manager) onDisconnect(cs *channelState, gen uint64, err error) {
	m.mu.Lock()
	if gen != cs.gen {
		m.mu.Unlock()
		return
	}
	if err != nil {
		cs.lastError = err.Error()
	}
	if !cs.connected {
		// Connect has not returned yet; connectLoop sees dropped and retries.
		cs.dropped = true
		m.mu.Unlock()
		return
	}
	cs.connected = false
	closed := m.closed
	m.mu.Unlock()

	m.refreshMode()
	if closed {
		return
	}
	m.logger.Warn("channel disconnected", zap.String("channel", cs.ch.Name()), zap.Error(err))
	m.launch(cs)
}

// replayControl restores room membership and identity on a fresh link.
func (m *Manager) replayControl(ch Channel) {
	m.mu.Lock()
	outletID, role, parent := m.outletID, m.role, m.ctx
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, controlTimeout)
	defer cancel()

	if outletID > 0 {
		env, _ := protocol.NewEnvelope(protocol.EventSubscribeOutlet, map[string]int64{"outlet_id": outletID})
		if err := ch.Send(ctx, env); err != nil {
			m.logger.Warn("re-subscribe failed", zap.String("channel", ch.Name()), zap.Error(err))
		}
	}
	if role != "" {
		env, _ := protocol.NewEnvelope(protocol.EventIdentify, protocol.Identify{Type: role})
		if err := ch.Send(ctx, env); err != nil {
			m.logger.Warn("re-identify failed", zap.String("channel", ch.Name()), zap.Error(err))
		}
	}
}

// refreshMode derives the mode from channel flags read inside the mode
// update, so concurrent connects and disconnects cannot publish a stale mode.
func (m *Manager) refreshMode() {
	var prev Mode
	next := m.mode.Update(func(current Mode) Mode {
		prev = current
		m.mu.Lock()
		centralUp := m.central != nil && m.central.connected
		localUp := m.local != nil && m.local.connected
		m.mu.Unlock()
		return DeriveMode(centralUp, localUp, m.poller != nil)
	})
	if prev != next {
		m.logger.Info("transport mode changed", zap.String("from", string(prev)), zap.String("to", string(next)))
	}
}

func (m *Manager) handleEnvelope(env protocol.Envelope) {
	if !protocol.IsOrderEvent(env.Event) {
		switch env.Event {
		case protocol.EventError:
			m.logger.Warn("peer reported error", zap.ByteString("data", env.Data))
		default:
			m.logger.Debug("control event", zap.String("event", env.Event))
		}
		return
	}

	ev, err := protocol.DecodeOrderEvent(env)
	if err != nil {
		m.logger.Warn("dropping invalid order event", zap.String("event", env.Event), zap.Error(err))
		return
	}
	m.dispatch(ev)
}

// dispatch delivers an event once even when both channels carry it.
func (m *Manager) dispatch(ev protocol.OrderEvent) {
	if !m.recent.firstSeen(eventKey(ev)) {
		return
	}

	m.mu.Lock()
	var fns []func(protocol.OrderEvent)
	for _, h := range m.handlers {
		if h.event == "" || h.event == ev.Name {
			fns = append(fns, h.fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Manager) pollLoop() {
	defer m.wg.Done()
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.Mode() != ModePolling {
			continue
		}

		events, err := m.poller.Poll(ctx)
		if err != nil {
			m.logger.Debug("poll failed", zap.Error(err))
			continue
		}
		for _, ev := range events {
			m.dispatch(ev)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
