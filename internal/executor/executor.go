package executor

import (
	"context"
	"errors"
	"time"

	"concierge/internal/decision"
	"concierge/internal/logger"
	"concierge/internal/rules"
	apperrors "concierge/pkg/errors"
	"concierge/pkg/metrics"
)

type Option func(*Executor)

func WithLedger(l Ledger) Option {
	return func(e *Executor) {
		e.ledger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// Executor runs a decision's actions one after another. A failing action does not stop the rest.
type Executor struct {
	handlers Handlers
	ledger   Ledger
	logger   logger.Logger
	now      func() time.Time
}

func New(handlers Handlers, log logger.Logger, opts ...Option) *Executor {
	e := &Executor{
		handlers: handlers,
		ledger:   NewMemoryLedger(),
		logger:   log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute returns d with every action's status filled in.
func (e *Executor) Execute(ctx context.Context, d decision.Decision, ev rules.Event) decision.Decision {
	out := d
	out.Actions = make([]decision.ActionRecord, len(d.Actions))
	copy(out.Actions, d.Actions)

	target := Target{Decision: d, Event: ev}
	for i := range out.Actions {
		rec := &out.Actions[i]
		if rec.Status == decision.ActionCompleted || rec.Status == decision.ActionSkipped {
			continue
		}
		e.executeOne(ctx, target, i, rec)
		metrics.IncAction(string(rec.Type), string(rec.Status))
	}
	return out
}

func (e *Executor) executeOne(ctx context.Context, target Target, index int, rec *decision.ActionRecord) {
	started := e.now().UTC()
	rec.StartedAt = &started
	rec.Error = ""

	action, err := Decode(*rec)
	if err != nil {
		if isUnknown(err) {
			e.logger.WarnwCtx(ctx, "Skipping unknown action type",
				"decision_id", target.Decision.ID,
				"action_type", rec.Type,
			)
			rec.Status = decision.ActionSkipped
			return
		}
		e.fail(ctx, target, rec, err)
		return
	}

	key := LedgerKey(target.Decision.ID, index, string(rec.Type))
	done, err := e.ledger.Completed(ctx, key)
	if err != nil {
		e.fail(ctx, target, rec, err)
		return
	}
	if done {
		e.logger.DebugwCtx(ctx, "Action already completed, not repeating",
			"decision_id", target.Decision.ID,
			"action_type", rec.Type,
		)
		e.complete(rec)
		return
	}

	if err := e.run(ctx, action, target); err != nil {
		e.fail(ctx, target, rec, err)
		return
	}

	if err := e.ledger.MarkCompleted(ctx, key); err != nil {
		e.logger.WarnwCtx(ctx, "Failed to record completed action",
			"decision_id", target.Decision.ID,
			"action_type", rec.Type,
			"error", err,
		)
	}
	e.complete(rec)
}

// run converts a handler panic into an action error.
func (e *Executor) run(ctx context.Context, action Action, target Target) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.ErrAction.WithDetail("message", "action handler panicked").WithCause(apperrors.RecoverPanic(r))
		}
	}()
	return action.run(ctx, e.handlers, target)
}

func (e *Executor) complete(rec *decision.ActionRecord) {
	completed := e.now().UTC()
	rec.Status = decision.ActionCompleted
	rec.CompletedAt = &completed
}

func (e *Executor) fail(ctx context.Context, target Target, rec *decision.ActionRecord, err error) {
	completed := e.now().UTC()
	rec.Status = decision.ActionFailed
	rec.Error = err.Error()
	rec.CompletedAt = &completed

	e.logger.ErrorwCtx(ctx, "Action failed",
		"decision_id", target.Decision.ID,
		"action_type", rec.Type,
		"error", err,
	)
}

func isUnknown(err error) bool {
	var appErr *apperrors.Error
	return errors.As(err, &appErr) && appErr.Code == ErrUnknownAction.Code
}
