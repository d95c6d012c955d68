// Package bridge provides connectivity monitoring for the transports that
// carry envelopes to and from a recipient's pane: the hm-bridge process
// that relays inject/ack traffic, and the pty the agent's shell runs in.
//
// Each Watcher probes a single link in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling (every 60s) with state-transition callbacks
//
// Transitions are folded into the kernel's per-recipient state vector via
// Kernel.UpdateState(recipientId, Patch{Bridge: ...}) or {Pty: ...} — a
// link going down surfaces as connectivity.bridge/pty = "down" the same
// way any other state change does, driving pane.state.changed. A
// connectivity change never drains the deferred queue.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a link is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval after startup
	// retries are exhausted or after a successful connection (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits how long each individual probe call may take (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the standard schedule: 2s, 4s, 8s, 16s,
// 32s, 60s (capped), with 10 startup retries and 60-second background
// polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// Link identifies which transport a Watcher is probing.
type Link string

const (
	LinkBridge Link = "bridge"
	LinkPty    Link = "pty"
)

// WatcherConfig configures a single link watcher.
type WatcherConfig struct {
	// RecipientID is the pane/recipient this link belongs to.
	RecipientID string

	// Link names which transport is being probed (bridge or pty), used
	// both for logging and to pick which Patch field an OnReady/OnDown
	// transition sets.
	Link Link

	// Probe checks link health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Use DefaultBackoffConfig() as a starting point.
	Backoff BackoffConfig

	// OnReady is called when the link transitions from down to up.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnReady func()

	// OnDown is called when the link transitions from up to down.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// LinkStatus is the health status of a watched link, suitable for JSON
// serialization in inspect/status output.
type LinkStatus struct {
	RecipientID string    `json:"recipientId"`
	Link        Link      `json:"link"`
	Ready       bool      `json:"ready"`
	LastCheck   time.Time `json:"lastCheck"`
	LastError   string    `json:"lastError,omitempty"`
}

// Watcher monitors a single link's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the watched link is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() LinkStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := LinkStatus{
		RecipientID: w.config.RecipientID,
		Link:        w.config.Link,
		Ready:       w.ready.Load(),
		LastCheck:   w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits (context cancelled or Stop called).
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run is the main goroutine. Phase 1: startup probe with exponential backoff.
// Phase 2: periodic background polling with state-transition callbacks.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	// Phase 1: startup probe with exponential backoff.
	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.recordResult(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("link connected",
				"recipient", w.config.RecipientID,
				"link", w.config.Link,
				"after_attempts", attempt,
			)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
			break
		}

		if attempt == cfg.MaxRetries {
			logger.Info("startup probe failed, entering background polling",
				"recipient", w.config.RecipientID,
				"link", w.config.Link,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"recipient", w.config.RecipientID,
			"link", w.config.Link,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return // context cancelled
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	// Phase 2: background periodic polling.
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.recordResult(err)
			wasReady := w.ready.Load()

			if wasReady && err != nil {
				w.ready.Store(false)
				logger.Info("link went down",
					"recipient", w.config.RecipientID,
					"link", w.config.Link,
					"error", err,
				)
				if w.config.OnDown != nil {
					go w.config.OnDown(err)
				}
			} else if !wasReady && err == nil {
				w.ready.Store(true)
				logger.Info("link recovered",
					"recipient", w.config.RecipientID,
					"link", w.config.Link,
				)
				if w.config.OnReady != nil {
					go w.config.OnReady()
				}
			} else if !wasReady && err != nil {
				logger.Debug("link still down",
					"recipient", w.config.RecipientID,
					"link", w.config.Link,
					"error", err,
				)
			}
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	timeout := w.config.Backoff.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// LinkState is a simple up/down connectivity reading, mirroring
// kernel.LinkState.
type LinkState string

const (
	StateUp   LinkState = "up"
	StateDown LinkState = "down"
)

// Manager coordinates every recipient's bridge and pty link watchers and
// folds their transitions into kernel state vectors.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher // key: recipientId + "/" + link
	logger   *slog.Logger
	update   func(recipientID string, link Link, state LinkState)
}

// NewManager creates a link watch manager. update is invoked on every
// ready/down transition with the affected recipient, link, and new state;
// callers typically wire this to Kernel.UpdateState via a small closure
// that sets Patch.Bridge or Patch.Pty depending on link (see
// cmd/eventkerneld).
func NewManager(logger *slog.Logger, update func(recipientID string, link Link, state LinkState)) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
		update:   update,
	}
}

// Watch registers and starts a new link watcher for one recipient/link
// pair. The watcher runs in a background goroutine until ctx is cancelled
// or Stop is called.
//
// Panics if RecipientID, Link, or Probe are unset — these are programming
// errors that should be caught during development, not silently ignored
// at runtime. Zero-value BackoffConfig fields are replaced with defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.RecipientID == "" {
		panic("bridge: WatcherConfig.RecipientID must not be empty")
	}
	if cfg.Link == "" {
		panic("bridge: WatcherConfig.Link must not be empty")
	}
	if cfg.Probe == nil {
		panic("bridge: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = defaults.MaxRetries
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = defaults.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	recipientID, link := cfg.RecipientID, cfg.Link
	userOnReady, userOnDown := cfg.OnReady, cfg.OnDown
	cfg.OnReady = func() {
		if m.update != nil {
			m.update(recipientID, link, StateUp)
		}
		if userOnReady != nil {
			userOnReady()
		}
	}
	cfg.OnDown = func(err error) {
		if m.update != nil {
			m.update(recipientID, link, StateDown)
		}
		if userOnDown != nil {
			userOnDown(err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[key(recipientID, link)] = w
	m.mu.Unlock()

	return w
}

func key(recipientID string, link Link) string {
	return recipientID + "/" + string(link)
}

// Status returns the health status of every watched link.
func (m *Manager) Status() map[string]LinkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]LinkStatus, len(m.watchers))
	for k, w := range m.watchers {
		status[k] = w.Status()
	}
	return status
}

// Stop shuts down every watcher and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
