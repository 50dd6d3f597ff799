package fleet

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aetherdock/backend/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type Options struct {
	ReconcileInterval time.Duration
	ReconcileTimeout  time.Duration
	StatsInterval     time.Duration
	MinStatsInterval  time.Duration
	// LogTail is the default backlog for startLogs. Nil selects
	// DefaultLogTail; zero starts from new output only.
	LogTail           *int
	ActionPolicy      DispatchPolicy
	ActionTimeout     time.Duration
	SessionBuffer     int
	Journal           Journal
	Clock             clockwork.Clock
}

type CommandType string

const (
	CmdSubscribeList    CommandType = "subscribeList"
	CmdUnsubscribeList  CommandType = "unsubscribeList"
	CmdStartLogs        CommandType = "startLogs"
	CmdStopLogs         CommandType = "stopLogs"
	CmdSubscribeStats   CommandType = "subscribeStats"
	CmdUnsubscribeStats CommandType = "unsubscribeStats"
	CmdDispatchAction   CommandType = "dispatchAction"
	CmdRefresh          CommandType = "refresh"
)

// Command is one inbound viewer request.
type Command struct {
	Type       CommandType       `json:"type"`
	ID         string            `json:"id,omitempty"`
	Tail       *int              `json:"tail,omitempty"`
	IntervalMs int               `json:"intervalMs,omitempty"`
	Verb       models.ActionVerb `json:"verb,omitempty"`
}

// Engine wires the reconciler, broadcaster, subscription manager, dispatcher
// and session registry around a single runtime.
type Engine struct {
	Reconciler    *Reconciler
	Broadcaster   *Broadcaster
	Subscriptions *SubscriptionManager
	Dispatcher    *Dispatcher
	Sessions      *SessionRegistry

	runtime Runtime
	logTail int
	log     zerolog.Logger

	mu      sync.Mutex
	stopped bool
	actions sync.WaitGroup
}

func NewEngine(rt Runtime, opts Options, log zerolog.Logger) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logTail := DefaultLogTail
	if opts.LogTail != nil {
		logTail = *opts.LogTail
	}

	e := &Engine{
		runtime: rt,
		logTail: logTail,
		log:     log.With().Str("component", "engine").Logger(),
	}
	e.Broadcaster = NewBroadcaster(log)
	e.Reconciler = NewReconciler(rt, e.Broadcaster, ReconcilerConfig{
		Interval: opts.ReconcileInterval,
		Timeout:  opts.ReconcileTimeout,
		Clock:    opts.Clock,
	}, log)
	e.Subscriptions = NewSubscriptionManager(rt, SubscriptionConfig{
		Clock:            opts.Clock,
		StatsInterval:    opts.StatsInterval,
		MinStatsInterval: opts.MinStatsInterval,
	}, log)
	e.Dispatcher = NewDispatcher(rt, e.Reconciler, DispatcherConfig{
		Policy:  opts.ActionPolicy,
		Timeout: opts.ActionTimeout,
		Clock:   opts.Clock,
		Journal: opts.Journal,
	}, log)
	e.Sessions = NewSessionRegistry(e.Broadcaster, e.Subscriptions, opts.SessionBuffer, log)
	return e
}

// Run drives reconciliation until ctx is done, then disconnects every viewer
// and waits for outstanding actions to finish.
func (e *Engine) Run(ctx context.Context) error {
	e.Reconciler.Run(ctx)

	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.Sessions.CloseAll()
	e.actions.Wait()
	e.log.Info().Msg("engine stopped")
	return nil
}

func (e *Engine) Connect() *Session { return e.Sessions.Register() }

func (e *Engine) Disconnect(s *Session) { e.Sessions.Deregister(s) }

func (e *Engine) Snapshot() (Snapshot, error) {
	snap, ok := e.Reconciler.Snapshot()
	if !ok {
		return Snapshot{}, ErrNoSnapshot
	}
	return snap, nil
}

func (e *Engine) Dispatch(ctx context.Context, req models.ActionRequest) error {
	return e.Dispatcher.Dispatch(ctx, req)
}

func (e *Engine) TriggerNow() { e.Reconciler.TriggerNow() }

// TailLogs reads the last tail lines of a container's log without following.
func (e *Engine) TailLogs(ctx context.Context, id string, tail int) ([]byte, error) {
	stream, err := e.runtime.OpenLogStream(ctx, id, models.LogOptions{Follow: false, Tail: tail})
	if err != nil {
		return nil, fmt.Errorf("failed to open log stream: %w", err)
	}

	var buf bytes.Buffer
	for chunk := range stream.Chunks {
		buf.Write(chunk)
	}
	if err := <-stream.Err; err != nil {
		return buf.Bytes(), fmt.Errorf("failed to read logs: %w", err)
	}
	return buf.Bytes(), nil
}

// Handle applies one inbound command for s. Failures are also reported to
// the session as an error event.
func (e *Engine) Handle(s *Session, cmd Command) error {
	err := e.handle(s, cmd)
	if err != nil {
		s.offer(errorEvent(err.Error()))
	}
	return err
}

func (e *Engine) handle(s *Session, cmd Command) error {
	if s.Closed() {
		return ErrSessionClosed
	}

	switch cmd.Type {
	case CmdSubscribeList:
		return e.Broadcaster.SubscribeList(s)
	case CmdUnsubscribeList:
		e.Broadcaster.UnsubscribeList(s)
		return nil
	case CmdRefresh:
		e.Reconciler.TriggerNow()
		return nil
	}

	if cmd.ID == "" {
		return fmt.Errorf("%s: %w", cmd.Type, ErrNoContainerID)
	}

	switch cmd.Type {
	case CmdStartLogs:
		tail := e.logTail
		if cmd.Tail != nil {
			tail = *cmd.Tail
		}
		return e.Subscriptions.StartLogs(s, cmd.ID, tail)
	case CmdStopLogs:
		e.Subscriptions.StopLogs(s, cmd.ID)
		return nil
	case CmdSubscribeStats:
		return e.Subscriptions.SubscribeStats(s, cmd.ID, time.Duration(cmd.IntervalMs)*time.Millisecond)
	case CmdUnsubscribeStats:
		e.Subscriptions.UnsubscribeStats(s, cmd.ID)
		return nil
	case CmdDispatchAction:
		req := models.ActionRequest{ContainerID: cmd.ID, Verb: cmd.Verb, SessionID: s.ID()}
		if !req.Verb.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownVerb, cmd.Verb)
		}
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return ErrSessionClosed
		}
		e.actions.Add(1)
		e.mu.Unlock()

		go func() {
			defer e.actions.Done()
			_ = e.Dispatcher.dispatch(s.Context(), req, func(err error) {
				s.deliver(s.Context(), actionResultEvent(req, err))
			})
		}()
		return nil
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}
