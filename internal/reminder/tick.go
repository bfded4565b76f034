package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"tasker/internal/storage"
	"tasker/internal/transport"
	logx "tasker/pkg/logx"
)

// ErrNotDelivered reports a send the channel accepted without returning a
// message id. Nothing can be recorded or retracted for it, so it counts as a
// failed delivery.
var ErrNotDelivered = errors.New("reminder: sent without message id")

// TickResult summarizes one tick.
type TickResult struct {
	RunID   string
	Due     int
	Claimed int
	Sent    int
	Failed  int
}

// Tick claims the instances due at now (truncated to the minute) and sends
// every open instance once. Delivery failures are logged and left for the
// next tick; only a store failure is returned.
func (s *Service) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	tick := now.UTC().Truncate(time.Minute)
	res := TickResult{RunID: uuid.NewString()}
	log := s.log.With(logx.String("run_id", res.RunID))

	due, err := s.store.ClaimDue(ctx, tick)
	if err != nil {
		return res, fmt.Errorf("claim due at %s: %w", tick.Format(time.RFC3339), err)
	}
	res.Due = len(due)
	for _, d := range due {
		if d.First {
			res.Claimed++
		}
	}
	log.Info("due instances loaded", logx.Time("tick", tick), logx.Int("due", res.Due), logx.Int("claimed", res.Claimed))
	if len(due) == 0 {
		return res, nil
	}
	s.publish(EventClaimed, Event{RunID: res.RunID, Count: res.Claimed})

	sent, failed := s.dispatch(ctx, log, res.RunID, due)
	res.Sent, res.Failed = sent, failed
	log.Info("tick dispatched", logx.Int("sent", sent), logx.Int("failed", failed))
	return res, nil
}

// dispatch delivers due with at most Concurrency deliveries in flight.
// Waiting deliveries start in order as slots free up.
func (s *Service) dispatch(ctx context.Context, log logx.Logger, runID string, due []storage.Due) (sent, failed int) {
	set := s.Settings()
	limit := int64(set.Concurrency)
	sem := semaphore.NewWeighted(limit)
	var nSent, nFailed atomic.Int64

	for _, d := range due {
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Warn("dispatch interrupted", logx.Err(err))
			break
		}
		go func(d storage.Due) {
			defer sem.Release(1)
			if err := s.deliver(ctx, log, set, d); err != nil {
				nFailed.Add(1)
				log.Warn("reminder not delivered", logx.Int64("instance_id", d.ID), logx.Int64("chat_id", d.ChatID), logx.Err(err))
				s.publish(EventSendFailed, Event{RunID: runID, InstanceID: d.ID, ChatID: d.ChatID, Count: 1, Error: err.Error()})
				return
			}
			nSent.Add(1)
			s.publish(EventSent, Event{RunID: runID, InstanceID: d.ID, ChatID: d.ChatID, Count: 1})
		}(d)
	}
	// Acquiring the full weight waits for every delivery still in flight.
	_ = sem.Acquire(context.WithoutCancel(ctx), limit)
	sem.Release(limit)
	return int(nSent.Load()), int(nFailed.Load())
}

func (s *Service) deliver(ctx context.Context, log logx.Logger, set Settings, d storage.Due) error {
	if set.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, set.SendTimeout)
		defer cancel()
	}
	to := transport.ChatTarget{ChatID: d.ChatID}

	if d.First {
		list, err := s.store.ListOutstanding(ctx, d.ChatID, set.OverviewLimit)
		if err != nil {
			log.Warn("overview not loaded", logx.Int64("chat_id", d.ChatID), logx.Err(err))
		} else if len(list) > 0 {
			ref, err := s.ch.SendText(ctx, to, FormatListing(list, set.DisplayOffset), &transport.SendOptions{ParseMode: transport.ParseModeHTML})
			if err != nil {
				log.Warn("overview not sent", logx.Int64("chat_id", d.ChatID), logx.Err(err))
			} else {
				log.Debug("overview sent", logx.Int64("chat_id", d.ChatID), logx.Int("message_id", ref.MessageID))
			}
		}
	}

	opt := &transport.SendOptions{DoneButton: &d.ID}
	if d.IsHTML {
		opt.ParseMode = transport.ParseModeHTML
	}
	ref, err := s.ch.SendText(ctx, to, d.Message, opt)
	if err != nil {
		return err
	}
	if !ref.Delivered() {
		return ErrNotDelivered
	}
	sentAt := ref.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	err = s.store.RecordSent(context.WithoutCancel(ctx), storage.SentMessage{
		SendingTaskID: d.ID,
		ChatID:        d.ChatID,
		MessageID:     ref.MessageID,
		SentAt:        sentAt,
	})
	if err != nil {
		return fmt.Errorf("record sent message %d: %w", ref.MessageID, err)
	}
	log.Debug("reminder sent", logx.Int64("instance_id", d.ID), logx.Int("message_id", ref.MessageID), logx.Bool("first", d.First))
	return nil
}
