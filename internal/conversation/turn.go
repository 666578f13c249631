package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/comigor/chatline/internal/history"
)

// State is the lifecycle stage of a single turn.
type State string

const (
	StateValidating      State = "Validating"
	StateAwaitingHistory State = "AwaitingHistory"
	StateStreaming       State = "Streaming"
	StatePersisting      State = "Persisting"
	StateTitleInferring  State = "TitleInferring"
	StateDone            State = "Done"
	StateFailed          State = "Failed" // Terminal: the turn never started streaming
)

type trigger string

const (
	triggerValidated  trigger = "Validated"
	triggerStreamOpen trigger = "StreamOpened"
	triggerExhausted  trigger = "StreamExhausted"
	triggerPersisted  trigger = "Persisted"
	triggerTitled     trigger = "Titled"
	triggerFailed     trigger = "Failed"
)

const eventBufferSize = 16

// EventKind tells a relayed delta apart from a relayed error.
type EventKind int

const (
	EventDelta EventKind = iota
	EventError
)

// Event is one item relayed to the caller while the reply is generated.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// TurnResult is what a turn left behind once its background work finished.
type TurnResult struct {
	// Assistant is the persisted reply, nil when nothing was generated or the
	// write failed.
	Assistant *history.Message
	// PersistErr is the store failure, if any. It is never relayed.
	PersistErr error
	// Title is the title set by this turn, nil when none was set.
	Title *string
}

// Turn is one user message and the reply being generated for it.
type Turn struct {
	SessionID uuid.UUID

	fsm    *stateless.StateMachine
	log    *slog.Logger
	events chan Event

	// queue feeds the pump, which is always ready to receive, so a slow
	// reader never holds up accumulation.
	queue      chan Event
	closeQueue sync.Once
	relayDone  chan struct{}

	done       chan struct{}
	result     TurnResult
	needsTitle bool
}

func newTurn(sessionID uuid.UUID, log *slog.Logger) *Turn {
	t := &Turn{
		SessionID: sessionID,
		log:       log,
		events:    make(chan Event, eventBufferSize),
		queue:     make(chan Event),
		relayDone: make(chan struct{}),
		done:      make(chan struct{}),
	}

	fsm := stateless.NewStateMachine(StateValidating)
	fsm.Configure(StateValidating).
		Permit(triggerValidated, StateAwaitingHistory).
		Permit(triggerFailed, StateFailed)
	fsm.Configure(StateAwaitingHistory).
		Permit(triggerStreamOpen, StateStreaming).
		Permit(triggerFailed, StateFailed)
	fsm.Configure(StateStreaming).
		Permit(triggerExhausted, StatePersisting)
	fsm.Configure(StatePersisting).
		Permit(triggerPersisted, StateTitleInferring, func(_ context.Context, _ ...any) bool { return t.needsTitle }).
		Permit(triggerPersisted, StateDone, func(_ context.Context, _ ...any) bool { return !t.needsTitle })
	fsm.Configure(StateTitleInferring).
		Permit(triggerTitled, StateDone)
	fsm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		t.log.Debug("turn state", "from", tr.Source, "to", tr.Destination)
	})
	fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, tr stateless.Trigger, _ []string) error {
		return fmt.Errorf("conversation: trigger %v not allowed in state %v", tr, state)
	})
	t.fsm = fsm
	return t
}

// Events returns the relayed items. The channel is closed when relaying ends,
// either because the whole reply was delivered or because the caller went away.
func (t *Turn) Events() <-chan Event {
	return t.events
}

// Wait blocks until the reply is persisted and any title work is over.
func (t *Turn) Wait(ctx context.Context) (TurnResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
}

// Done is closed once the turn's background work has finished.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// State returns the turn's current stage.
func (t *Turn) State() State {
	return t.fsm.MustState().(State)
}

// fire moves the turn along. A refused trigger is a programming error; it is
// logged and the turn keeps its state.
func (t *Turn) fire(ctx context.Context, tr trigger) {
	if err := t.fsm.FireCtx(ctx, tr); err != nil {
		t.log.Error("turn transition failed", "trigger", tr, "error", err)
	}
}

// startRelay runs the pump that moves queued items to Events until the queue
// is closed and drained, or ctx is done.
func (t *Turn) startRelay(ctx context.Context) {
	go t.pump(ctx)
}

func (t *Turn) pump(ctx context.Context) {
	defer close(t.relayDone)
	defer close(t.events)

	var pending []Event
	in := t.queue
	for in != nil || len(pending) > 0 {
		var (
			out  chan<- Event
			next Event
		)
		if len(pending) > 0 {
			out, next = t.events, pending[0]
		}
		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			pending = append(pending, ev)
		case out <- next:
			pending[0] = Event{}
			pending = pending[1:]
		case <-ctx.Done():
			return
		}
	}
}

// relay queues ev for the caller. It never waits on the caller reading; it
// reports false once the caller has gone away.
func (t *Turn) relay(ctx context.Context, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case t.queue <- ev:
		return true
	case <-t.relayDone:
		return false
	}
}

// stopRelay ends the queue. Items already queued are still delivered.
func (t *Turn) stopRelay() {
	t.closeQueue.Do(func() { close(t.queue) })
}
