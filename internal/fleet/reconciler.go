package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aetherdock/backend/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultReconcileInterval = 2 * time.Second
	DefaultReconcileTimeout  = 5 * time.Second
)

type Publisher interface {
	Publish(Snapshot)
}

type ReconcilerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    clockwork.Clock
}

// Reconciler owns the authoritative fleet snapshot. It refreshes it from the
// runtime on a fixed period, or sooner when TriggerNow is called, and hands
// every successful refresh to its Publisher.
type Reconciler struct {
	runtime  Runtime
	pub      Publisher
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	// Capacity one: triggers that arrive while one is pending collapse into it.
	trigger chan struct{}

	mu      sync.RWMutex
	current Snapshot
	hasSnap bool
}

func NewReconciler(rt Runtime, pub Publisher, cfg ReconcilerConfig, log zerolog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultReconcileTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		runtime:  rt,
		pub:      pub,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		log:      log.With().Str("component", "reconciler").Logger(),
		trigger:  make(chan struct{}, 1),
	}
}

// Run reconciles once immediately and then on every tick or trigger until ctx
// is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Msg("reconciler started")
	_ = r.Reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopped")
			return
		case <-ticker.Chan():
			_ = r.Reconcile(ctx)
		case <-r.trigger:
			_ = r.Reconcile(ctx)
		}
	}
}

// TriggerNow asks for an out-of-cycle reconciliation without waiting for it.
func (r *Reconciler) TriggerNow() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Reconcile performs a single tick. On failure the previous snapshot stays
// in place and nothing is published.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	tickCtx, cancel := context.WithTimeout(ctx, r.timeout)
	start := time.Now()
	list, err := r.runtime.ListContainers(tickCtx, true)
	cancel()
	reconcileDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		reconcileTicksTotal.WithLabelValues("error").Inc()
		if ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("runtime unreachable, keeping previous snapshot")
		}
		return fmt.Errorf("failed to list containers: %w", err)
	}

	containers := make([]models.ContainerSummary, len(list))
	copy(containers, list)

	r.mu.Lock()
	snap := Snapshot{
		Version:    r.current.Version + 1,
		TakenAt:    r.clock.Now(),
		Containers: containers,
	}
	r.current, r.hasSnap = snap, true
	r.mu.Unlock()

	reconcileTicksTotal.WithLabelValues("ok").Inc()
	fleetContainers.Set(float64(len(containers)))
	r.pub.Publish(snap)
	return nil
}

// Snapshot returns the last successfully reconciled snapshot.
func (r *Reconciler) Snapshot() (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.hasSnap
}
