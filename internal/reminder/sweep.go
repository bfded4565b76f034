package reminder

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tasker/internal/transport"
	logx "tasker/pkg/logx"
)

// SweepResult counts the work of one Sweep.
type SweepResult struct {
	Rounds  int
	Found   int
	Cleared int
	// Exhausted is set when the budget ran out before the queue was empty.
	Exhausted bool
}

// clearTimeout bounds recording successful retractions once the budget is spent.
const clearTimeout = 5 * time.Second

// Sweep drains the retraction queue in batches until a batch comes back
// empty or the budget runs out.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	set := s.Settings()
	bctx, cancel := context.WithTimeout(ctx, set.SweepBudget)
	defer cancel()

	var res SweepResult
	for {
		found, cleared, err := s.sweepRound(bctx, s.log, 0, set.SweepBatch)
		res.Rounds++
		res.Found += found
		res.Cleared += cleared
		if err != nil {
			if bctx.Err() != nil && ctx.Err() == nil {
				res.Exhausted = true
				s.log.Warn("sweep budget exhausted", logx.Duration("budget", set.SweepBudget), logx.Int("cleared", res.Cleared))
				return res, nil
			}
			return res, err
		}
		if found == 0 {
			break
		}
		s.log.Debug("sweep round", logx.Int("found", found), logx.Int("cleared", cleared))

		select {
		case <-bctx.Done():
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Exhausted = true
			s.log.Warn("sweep budget exhausted", logx.Duration("budget", set.SweepBudget), logx.Int("cleared", res.Cleared))
			return res, nil
		case <-time.After(set.SweepPause):
		}
	}
	if res.Cleared > 0 {
		s.log.Info("repeats retracted", logx.Int("cleared", res.Cleared), logx.Int("rounds", res.Rounds))
	}
	return res, nil
}

// sweepRound retracts one batch of queued messages, restricted to instanceID
// unless it is 0, and forgets the ones that are gone.
func (s *Service) sweepRound(ctx context.Context, log logx.Logger, instanceID int64, batch int) (found, cleared int, err error) {
	tasks, err := s.store.PendingDeletions(ctx, instanceID, batch)
	if err != nil {
		return 0, 0, fmt.Errorf("sweep: load queue: %w", err)
	}
	if len(tasks) == 0 {
		return 0, 0, nil
	}

	ok := make([]bool, len(tasks))
	var g errgroup.Group
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			err := s.ch.DeleteMessage(ctx, transport.MessageRef{ChatID: t.ChatID, MessageID: t.MessageID})
			ok[i] = retracted(err)
			if !ok[i] {
				log.Warn("retraction failed", logx.Int64("deletion_id", t.ID), logx.Int64("chat_id", t.ChatID), logx.Int("message_id", t.MessageID), logx.Err(err))
				s.publish(EventRetractFailed, Event{InstanceID: t.SendingTaskID, ChatID: t.ChatID, Count: 1, Error: err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()

	ids := make([]int64, 0, len(tasks))
	for i, t := range tasks {
		if ok[i] {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) > 0 {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
		defer cancel()
		n, err := s.store.ClearDeletions(cctx, ids)
		if err != nil {
			return len(tasks), 0, fmt.Errorf("sweep: clear queue: %w", err)
		}
		cleared = n
		s.publish(EventRetracted, Event{InstanceID: instanceID, Count: n})
	}
	if ctx.Err() != nil {
		return len(tasks), cleared, ctx.Err()
	}
	return len(tasks), cleared, nil
}
