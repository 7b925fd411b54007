package runctl

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/reviewflow/internal/domain"
	"github.com/xiaot623/reviewflow/internal/engine"
	"github.com/xiaot623/reviewflow/internal/gate"
	"github.com/xiaot623/reviewflow/internal/translator"
)

const rejectedContent = "The proposed plan was rejected. No further steps were executed."

// execute is the body of a run's goroutine.
func (c *Controller) execute(ctx context.Context, r *run) {
	defer c.wg.Done()
	defer close(r.done)

	tr := translator.New(r.info.RunID, translator.WithCitationCleaning(c.cleanCitations))
	status, err := c.drive(ctx, r, tr)
	c.finish(r, tr, status, err)
	c.retire(r.info.RunID)
}

// drive waits for a worker slot, starts the engine and consumes its events.
func (c *Controller) drive(ctx context.Context, r *run, tr *translator.Translator) (string, error) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer c.sem.Release(1)
	}

	stream, err := c.engine.Start(ctx, r.info.RunID, r.info.Task)
	if err != nil {
		return "", upstream(ctx, err)
	}
	defer func() {
		if err := stream.Stop(); err != nil {
			c.logger.Debug().Err(err).Str("run_id", r.info.RunID).Msg("engine stop failed")
		}
	}()

	return c.consume(ctx, r, tr, stream)
}

// consume pulls engine events until the run completes. On success it has
// already delivered the closing FINAL_RESULT_MESSAGE and returns its status.
func (c *Controller) consume(ctx context.Context, r *run, tr *translator.Translator, stream engine.Stream) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		ev, err := stream.Next(ctx)
		if err != nil {
			return "", upstream(ctx, err)
		}

		msgs, err := tr.Translate(ev)
		if err != nil {
			return "", err
		}
		c.deliver(r, msgs...)

		switch ev := ev.(type) {
		case engine.PlanProposed:
			c.transition(r, domain.RunStateAwaitingApproval)
			approved, err := c.approvals.Request(ctx, c.gateRequest(r, ev.PlanID, func() (domain.Message, error) {
				return tr.PlanRequest(ev)
			}))
			if err != nil {
				return "", err
			}
			if !approved {
				c.logger.Info().Str("run_id", r.info.RunID).Str("plan_id", ev.PlanID).Msg("plan rejected")
				final, err := tr.Final(rejectedContent, domain.FinalStatusRejected)
				if err != nil {
					return "", err
				}
				c.deliver(r, final)
				return domain.FinalStatusRejected, nil
			}
			c.transition(r, domain.RunStateExecuting)

		case engine.ClarificationNeeded:
			c.transition(r, domain.RunStateAwaitingClarification)
			answer, err := c.clarifications.Request(ctx, c.gateRequest(r, ev.RequestID, func() (domain.Message, error) {
				return tr.ClarificationRequest(ev)
			}))
			if err != nil {
				return "", err
			}
			if err := stream.Inject(ctx, answer); err != nil {
				return "", upstream(ctx, err)
			}
			c.transition(r, domain.RunStateExecuting)

		case engine.FinalResult:
			return domain.FinalStatusCompleted, nil
		}
	}
}

// gateRequest builds a gate request whose message is recorded against the
// run when the gate builds it.
func (c *Controller) gateRequest(r *run, key string, build func() (domain.Message, error)) gate.Request {
	return gate.Request{
		Key:       key,
		RunID:     r.info.RunID,
		UserID:    r.info.UserID,
		ProcessID: r.info.ProcessID,
		Message: func() (domain.Message, error) {
			msg, err := build()
			if err != nil {
				return domain.Message{}, err
			}
			c.record(r, msg)
			return msg, nil
		},
	}
}

// finish settles r into its terminal state. A failed or cancelled run gets
// its closing ERROR_MESSAGE here.
func (c *Controller) finish(r *run, tr *translator.Translator, status string, err error) {
	state := domain.RunStateCompleted
	switch {
	case err == nil:
	case isCancellation(err):
		state = domain.RunStateCancelled
	default:
		state = domain.RunStateFailed
	}

	if err != nil {
		kind := domain.ErrorKind(err)
		detail := err.Error()
		if state == domain.RunStateCancelled {
			kind = domain.ErrorKindCancelled
			detail = "run cancelled"
			if !r.wasCancelled() {
				detail = "run cancelled: server shutting down"
			}
		}
		msg, buildErr := tr.Error(kind, detail)
		if buildErr != nil {
			c.logger.Error().Err(buildErr).Str("run_id", r.info.RunID).Msg("failed to build closing message")
		} else {
			c.deliver(r, msg)
		}
	}

	// The terminal snapshot is archived before it becomes visible through Run.
	now := time.Now()
	settled := r.snapshot()
	prev := settled.State
	settled.State = state
	settled.Outcome = status
	if err != nil {
		settled.Error = err.Error()
	}
	settled.EndedAt = &now
	c.archiveRun(&settled)

	r.mu.Lock()
	r.info = settled
	r.mu.Unlock()

	level := zerolog.InfoLevel
	if state == domain.RunStateFailed {
		level = zerolog.WarnLevel
	}
	c.logger.WithLevel(level).Err(err).
		Str("run_id", r.info.RunID).
		Str("from", string(prev)).
		Str("state", string(state)).
		Int64("sequence", tr.Sequence()).
		Msg("run finished")
}

func (c *Controller) transition(r *run, next domain.RunState) {
	r.mu.Lock()
	prev := r.info.State
	r.info.State = next
	r.mu.Unlock()

	if !prev.CanTransitionTo(next) {
		c.logger.Warn().Str("run_id", r.info.RunID).Str("from", string(prev)).Str("to", string(next)).Msg("unexpected state transition")
	}
	c.save(r)
	c.logger.Debug().Str("run_id", r.info.RunID).Str("from", string(prev)).Str("to", string(next)).Msg("run state changed")
}

// deliver records msgs against r and hands them to the sender in order.
func (c *Controller) deliver(r *run, msgs ...domain.Message) {
	for _, msg := range msgs {
		c.record(r, msg)
		c.sender.Send(r.info.UserID, r.info.ProcessID, msg)
	}
}

func (c *Controller) record(r *run, msg domain.Message) {
	r.mu.Lock()
	r.info.Sequence = msg.Sequence
	r.mu.Unlock()

	if c.archive == nil {
		return
	}
	if err := c.archive.AppendMessage(context.Background(), msg); err != nil {
		c.logger.Error().Err(err).Str("run_id", msg.RunID).Int64("sequence", msg.Sequence).Msg("failed to archive message")
	}
}

func (c *Controller) save(r *run) {
	snapshot := r.snapshot()
	c.archiveRun(&snapshot)
}

func (c *Controller) archiveRun(info *domain.Run) {
	if c.archive == nil {
		return
	}
	if err := c.archive.SaveRun(context.Background(), info); err != nil {
		c.logger.Error().Err(err).Str("run_id", info.RunID).Str("state", string(info.State)).Msg("failed to archive run")
	}
}
