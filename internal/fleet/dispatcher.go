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
	DefaultActionTimeout = 30 * time.Second
	journalTimeout       = 2 * time.Second
)

// DispatchPolicy decides what happens to an action for a container that
// already has one in flight.
type DispatchPolicy string

const (
	// PolicyQueue waits behind the in-flight action, in arrival order.
	PolicyQueue DispatchPolicy = "queue"
	// PolicyReject fails immediately with an ActionBusy error.
	PolicyReject DispatchPolicy = "reject"
)

func ParseDispatchPolicy(s string) (DispatchPolicy, error) {
	switch p := DispatchPolicy(s); p {
	case PolicyQueue, PolicyReject:
		return p, nil
	case "":
		return PolicyQueue, nil
	default:
		return "", fmt.Errorf("unknown dispatch policy %q", s)
	}
}

// Trigger requests an out-of-cycle reconciliation.
type Trigger interface {
	TriggerNow()
}

// Journal records completed dispatches. Implementations must not block for
// long; failures are logged and otherwise ignored.
type Journal interface {
	Record(ctx context.Context, ev models.ActionEvent) error
}

type noopJournal struct{}

func (noopJournal) Record(context.Context, models.ActionEvent) error { return nil }

type DispatcherConfig struct {
	Policy  DispatchPolicy
	Timeout time.Duration
	Clock   clockwork.Clock
	Journal Journal
}

// lane serializes actions for one container. sem holds a token while an
// action is in flight; refs counts callers holding or waiting for it.
type lane struct {
	sem  chan struct{}
	refs int
}

// Dispatcher executes control actions against the runtime, one at a time per
// container and fully concurrently across containers.
type Dispatcher struct {
	runtime Runtime
	trigger Trigger
	policy  DispatchPolicy
	timeout time.Duration
	clock   clockwork.Clock
	journal Journal
	log     zerolog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

func NewDispatcher(rt Runtime, trigger Trigger, cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	if cfg.Policy == "" {
		cfg.Policy = PolicyQueue
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultActionTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Journal == nil {
		cfg.Journal = noopJournal{}
	}
	return &Dispatcher{
		runtime: rt,
		trigger: trigger,
		policy:  cfg.Policy,
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
		journal: cfg.Journal,
		log:     log.With().Str("component", "dispatcher").Logger(),
		lanes:   make(map[string]*lane),
	}
}

// Dispatch runs req against the runtime. On success it triggers a
// reconciliation so every viewer sees the effect promptly.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.ActionRequest) error {
	return d.dispatch(ctx, req, nil)
}

// dispatch is Dispatch with a report hook that observes the outcome before
// the reconciliation trigger fires.
func (d *Dispatcher) dispatch(ctx context.Context, req models.ActionRequest, report func(error)) error {
	if report == nil {
		report = func(error) {}
	}
	if req.ContainerID == "" {
		report(ErrNoContainerID)
		return ErrNoContainerID
	}
	if !req.Verb.Valid() {
		err := fmt.Errorf("%w: %q", ErrUnknownVerb, req.Verb)
		report(err)
		return err
	}

	l := d.acquire(req.ContainerID)
	defer d.release(req.ContainerID, l)

	switch d.policy {
	case PolicyReject:
		select {
		case l.sem <- struct{}{}:
		default:
			err := &ActionError{Kind: ActionBusy, ContainerID: req.ContainerID}
			actionsTotal.WithLabelValues(string(req.Verb), "busy").Inc()
			report(err)
			return err
		}
	default:
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			report(ctx.Err())
			return ctx.Err()
		}
	}

	runErr := d.execute(ctx, req)
	<-l.sem

	var err error
	if runErr != nil {
		err = &ActionError{Kind: ActionRejected, ContainerID: req.ContainerID, Reason: runErr.Error()}
		actionsTotal.WithLabelValues(string(req.Verb), "rejected").Inc()
		d.log.Warn().Err(runErr).Str("container", req.ContainerID).Str("verb", string(req.Verb)).Msg("action rejected by runtime")
	} else {
		actionsTotal.WithLabelValues(string(req.Verb), "ok").Inc()
		d.log.Info().Str("container", req.ContainerID).Str("verb", string(req.Verb)).Msg("action completed")
	}

	d.record(req, runErr)
	report(err)
	if err == nil {
		d.trigger.TriggerNow()
	}
	return err
}

// execute detaches from the caller's cancellation so that a disconnecting
// viewer does not abort an action the runtime has already started.
func (d *Dispatcher) execute(ctx context.Context, req models.ActionRequest) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	switch req.Verb {
	case models.VerbStart:
		return d.runtime.StartContainer(actx, req.ContainerID)
	case models.VerbStop:
		return d.runtime.StopContainer(actx, req.ContainerID)
	default:
		return d.runtime.RestartContainer(actx, req.ContainerID)
	}
}

func (d *Dispatcher) record(req models.ActionRequest, runErr error) {
	ev := models.ActionEvent{
		Timestamp:   d.clock.Now().Unix(),
		ContainerID: req.ContainerID,
		Verb:        req.Verb,
		OK:          runErr == nil,
		SessionID:   req.SessionID,
	}
	if runErr != nil {
		ev.Reason = runErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := d.journal.Record(ctx, ev); err != nil {
		d.log.Error().Err(err).Str("container", req.ContainerID).Msg("failed to journal action")
	}
}

func (d *Dispatcher) acquire(id string) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.lanes[id]
	if l == nil {
		l = &lane{sem: make(chan struct{}, 1)}
		d.lanes[id] = l
	}
	l.refs++
	return l
}

func (d *Dispatcher) release(id string, l *lane) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(d.lanes, id)
	}
}

// Lanes reports containers with an action in flight or queued.
func (d *Dispatcher) Lanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}
