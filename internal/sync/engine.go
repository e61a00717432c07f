// Package sync drains the terminal's sync queue to the cloud whenever the
// connectivity monitor reports online.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"possync/internal/commons"
	"possync/internal/config"
	"possync/internal/domain"
)

var (
	ErrAlreadyRunning = errors.New("sync already running")
	ErrOffline        = errors.New("cloud is offline")
)

type Queue interface {
	PendingItems(ctx context.Context) ([]domain.SyncQueueItem, error)
	CompleteItem(ctx context.Context, item domain.SyncQueueItem) error
	FailItem(ctx context.Context, item domain.SyncQueueItem, cause error) (bool, error)
}

type Connectivity interface {
	IsOnline() bool
	OnOnline(fn func()) func()
}

type Engine struct {
	queue     Queue
	conn      Connectivity
	handlers  map[domain.SyncType]Handler
	interval  time.Duration
	itemDelay time.Duration
	logger    *zap.Logger

	running  atomic.Bool
	progress *commons.Observable[Progress]
	trigger  chan struct{}

	mu          gosync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
	wg          gosync.WaitGroup
}

func NewEngine(queue Queue, conn Connectivity, handlers map[domain.SyncType]Handler, cfg config.SyncConfig, logger *zap.Logger) *Engine {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Engine{
		queue:     queue,
		conn:      conn,
		handlers:  handlers,
		interval:  interval,
		itemDelay: cfg.ItemDelay,
		logger:    logger,
		progress:  commons.NewObservable(Progress{Errors: []ItemError{}}),
		trigger:   make(chan struct{}, 1),
	}
}

func (e *Engine) Progress() Progress {
	return e.progress.Get()
}

func (e *Engine) SubscribeProgress(fn func(prev, next Progress)) func() {
	return e.progress.Subscribe(fn)
}

func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Start runs the queue every interval and right after each transition into
// online.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.unsubscribe = e.conn.OnOnline(e.Trigger)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			case <-e.trigger:
			}
			if _, err := e.Run(runCtx); err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, ErrAlreadyRunning) {
				e.logger.Error("sync run failed", zap.Error(err))
			}
		}
	}()
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Trigger asks the loop for a run without waiting for it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run drains the queue once. Only one run happens at a time; a concurrent
// call returns ErrAlreadyRunning. Nothing is sent while offline, and a run
// stops early if connectivity drops.
func (e *Engine) Run(ctx context.Context) (Progress, error) {
	if !e.running.CompareAndSwap(false, true) {
		return e.progress.Get(), ErrAlreadyRunning
	}
	defer e.running.Store(false)

	if !e.conn.IsOnline() {
		return e.progress.Get(), ErrOffline
	}

	items, err := e.queue.PendingItems(ctx)
	if err != nil {
		return e.progress.Get(), fmt.Errorf("loading sync queue: %w", err)
	}
	domain.SortQueue(items)

	e.progress.Set(Progress{
		Running:    true,
		TotalItems: len(items),
		Errors:     []ItemError{},
		StartedAt:  time.Now().UTC(),
	})
	if len(items) > 0 {
		e.logger.Info("sync started", zap.Int("items", len(items)))
	}

	for i, item := range items {
		if ctx.Err() != nil || !e.conn.IsOnline() {
			e.logger.Warn("sync interrupted", zap.Int("remaining", len(items)-i))
			break
		}
		if i > 0 && !sleepCtx(ctx, e.itemDelay) {
			break
		}
		e.process(ctx, item)
	}

	final := e.progress.Update(func(p Progress) Progress {
		p.Running = false
		p.CurrentOrder = ""
		p.FinishedAt = time.Now().UTC()
		return p
	})
	if final.TotalItems > 0 {
		e.logger.Info("sync finished",
			zap.Int("processed", final.ProcessedItems),
			zap.Int("succeeded", final.SuccessCount),
			zap.Int("failed", final.FailureCount),
			zap.Int("dropped", final.DroppedCount))
	}
	return final, nil
}

func (e *Engine) process(ctx context.Context, item domain.SyncQueueItem) {
	e.progress.Update(func(p Progress) Progress {
		p.CurrentOrder = item.OrderNumber
		return p
	})

	err := e.dispatch(ctx, item)
	if err == nil {
		if err = e.queue.CompleteItem(ctx, item); err == nil {
			e.progress.Update(func(p Progress) Progress {
				p.ProcessedItems++
				p.SuccessCount++
				return p
			})
			e.logger.Info("synced", zap.String("orderNumber", item.OrderNumber), zap.String("type", string(item.Type)))
			return
		}
	}

	dropped, failErr := e.queue.FailItem(ctx, item, err)
	if failErr != nil {
		e.logger.Error("failed to record sync failure", zap.String("itemId", item.ID), zap.Error(failErr))
	}
	e.logger.Warn("sync item failed",
		zap.String("orderNumber", item.OrderNumber),
		zap.String("type", string(item.Type)),
		zap.Int("retries", item.Retries+1),
		zap.Error(err))

	e.progress.Update(func(p Progress) Progress {
		p.ProcessedItems++
		p.FailureCount++
		if dropped {
			p.DroppedCount++
		}
		p.Errors = append(append([]ItemError{}, p.Errors...), ItemError{
			ItemID:      item.ID,
			OrderNumber: item.OrderNumber,
			Message:     err.Error(),
			RetryCount:  item.Retries + 1,
			Dropped:     dropped,
			Timestamp:   time.Now().UTC(),
		})
		return p
	})
}

func (e *Engine) dispatch(ctx context.Context, item domain.SyncQueueItem) error {
	handler, ok := e.handlers[item.Type]
	if !ok {
		return fmt.Errorf("no handler for sync type %q", item.Type)
	}
	return handler(ctx, item)
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
