package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wanderlust/booking-backend/internal/models"
)

// AttemptReader reads payment attempts by reference
type AttemptReader interface {
	GetAttempt(ctx context.Context, reference string) (*models.PaymentAttempt, error)
}

// HandoffWatcherConfig holds configuration for the client handoff watcher
type HandoffWatcherConfig struct {
	PollInterval time.Duration
	MaxWatch     time.Duration
	MaxWatchers  int // concurrent watches; Start refuses beyond this
}

// DefaultHandoffWatcherConfig returns default configuration
func DefaultHandoffWatcherConfig() HandoffWatcherConfig {
	return HandoffWatcherConfig{
		PollInterval: 3 * time.Second,
		MaxWatch:     30 * time.Minute,
		MaxWatchers:  500,
	}
}

// WatchOutcome says how a watch ended
type WatchOutcome string

const (
	WatchResolved  WatchOutcome = "resolved"  // attempt reached a terminal state on its own
	WatchTriggered WatchOutcome = "triggered" // window closed, manual query issued
	WatchDebounced WatchOutcome = "debounced" // window closed, another watcher already queried
	WatchExpired   WatchOutcome = "expired"
	WatchCancelled WatchOutcome = "cancelled"
)

// HandoffWatcher is the fallback for a gateway window that closes without a callback.
// It never writes the ledger; it only issues one manual status query per reference.
type HandoffWatcher struct {
	attempts AttemptReader
	probe    WindowProbe
	querier  StatusQuerier
	config   HandoffWatcherConfig
	logger   *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// NewHandoffWatcher creates a watcher; background watches live until Stop
func NewHandoffWatcher(attempts AttemptReader, probe WindowProbe, querier StatusQuerier, config HandoffWatcherConfig, logger *logrus.Logger) *HandoffWatcher {
	defaults := DefaultHandoffWatcherConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxWatch <= 0 {
		config.MaxWatch = defaults.MaxWatch
	}
	if config.MaxWatchers <= 0 {
		config.MaxWatchers = defaults.MaxWatchers
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HandoffWatcher{
		attempts: attempts,
		probe:    probe,
		querier:  querier,
		config:   config,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, config.MaxWatchers),
		active:   make(map[string]struct{}),
	}
}

// Start watches reference in the background. Returns false when it is already watched,
// the watcher is at capacity, or it has been stopped.
func (w *HandoffWatcher) Start(reference string) bool {
	w.mu.Lock()
	// Stop cancels under mu, so no Add can follow its Wait
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return false
	}
	if _, ok := w.active[reference]; ok {
		w.mu.Unlock()
		return false
	}
	select {
	case w.sem <- struct{}{}:
	default:
		w.mu.Unlock()
		w.logger.WithField("reference", reference).Warn("Handoff watcher at capacity; sweep will cover this attempt")
		return false
	}
	w.active[reference] = struct{}{}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.active, reference)
			w.mu.Unlock()
			<-w.sem
			w.wg.Done()
		}()
		w.Watch(w.ctx, reference)
	}()
	return true
}

// Active returns the number of running background watches
func (w *HandoffWatcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Stop cancels all watches and waits for them to exit or ctx to expire
func (w *HandoffWatcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.cancel()
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch polls until the attempt is terminal, the window closes or MaxWatch elapses
func (w *HandoffWatcher) Watch(ctx context.Context, reference string) WatchOutcome {
	log := w.logger.WithField("reference", reference)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(w.config.MaxWatch)
	defer deadline.Stop()
	defer w.clear(reference)

	for {
		select {
		case <-ctx.Done():
			return WatchCancelled
		case <-deadline.C:
			log.Info("Handoff watch expired without a window close")
			return WatchExpired
		case <-ticker.C:
		}

		attempt, err := w.attempts.GetAttempt(ctx, reference)
		if err != nil {
			log.WithError(err).Warn("Handoff watch failed to read attempt")
			continue
		}
		if attempt == nil {
			log.Warn("Handoff watch on unknown reference")
			return WatchExpired
		}
		if attempt.State.IsTerminal() {
			return WatchResolved
		}

		closed, err := w.probe.WindowClosed(ctx, reference)
		if err != nil {
			log.WithError(err).Warn("Handoff probe failed")
			continue
		}
		if !closed {
			continue
		}

		won, err := w.probe.TryTrigger(ctx, reference)
		if err != nil {
			log.WithError(err).Warn("Handoff trigger failed")
			continue
		}
		if !won {
			return WatchDebounced
		}

		log.Info("Gateway window closed without a terminal signal; querying status")
		if _, err := w.querier.QueryAndReconcile(ctx, reference, models.SourceManualQuery); err != nil {
			log.WithError(err).Warn("Handoff status query failed; sweep will retry")
		}
		return WatchTriggered
	}
}

func (w *HandoffWatcher) clear(reference string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.probe.Clear(ctx, reference); err != nil {
		w.logger.WithError(err).WithField("reference", reference).Debug("Failed to clear handoff markers")
	}
}
