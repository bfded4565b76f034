package reminder

import (
	"context"
	"errors"
	"fmt"

	"tasker/internal/storage"
	"tasker/internal/transport"
	logx "tasker/pkg/logx"
	"tasker/pkg/tgui"
)

// ReminderSuffix is the ending of "напоминани-" after the count n. Only the
// last digit matters, so 11..14 take the same ending as 1..4.
func ReminderSuffix(n int) string {
	switch n % 10 {
	case 1:
		return "е"
	case 2, 3, 4:
		return "я"
	default:
		return "й"
	}
}

// DoneText appends the repeat counter to an HTML reminder text.
func DoneText(old string, n int) string {
	return fmt.Sprintf("%s\n\n<i>понадобилось всего %d напоминани%s</i>", old, n, ReminderSuffix(n))
}

// Done completes instanceID after its button was pressed in cb.
//
// The earliest delivery stays: its keyboard is dropped, and when there were
// repeats its text gains the repeat counter. Repeats are queued for
// retraction and swept right away. A press on an instance that is no longer
// open removes the pressed message; on an open one with no recorded delivery
// the pressed message only loses its keyboard.
func (s *Service) Done(ctx context.Context, instanceID int64, cb transport.Callback) (storage.DoneResult, error) {
	log := s.log.With(logx.Int64("instance_id", instanceID), logx.Int64("chat_id", cb.ChatID))

	res, err := s.store.Done(ctx, instanceID)
	if err != nil {
		return res, fmt.Errorf("done %d: %w", instanceID, err)
	}

	if cb.ID != "" {
		if err := s.ch.AnswerCallback(ctx, cb.ID, ""); err != nil {
			log.Warn("callback not answered", logx.Err(err))
		}
	}

	if !res.Found {
		ref := transport.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
		if err := s.ch.DeleteMessage(ctx, ref); err != nil && !retracted(err) {
			log.Warn("stale reminder not removed", logx.Int("message_id", cb.MessageID), logx.Err(err))
		}
		log.Info("done pressed on closed instance")
		return res, nil
	}

	if res.Count == 0 {
		ref := transport.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
		if err := s.ch.DropKeyboard(ctx, ref); err != nil {
			log.Warn("pressed reminder not updated", logx.Int("message_id", cb.MessageID), logx.Err(err))
		}
		s.publish(EventDone, Event{InstanceID: instanceID, ChatID: cb.ChatID})
		log.Info("instance done without recorded deliveries")
		return res, nil
	}

	kept := transport.MessageRef{ChatID: res.Kept.ChatID, MessageID: res.Kept.MessageID}
	var keepErr error
	if res.Count == 1 {
		keepErr = s.ch.DropKeyboard(ctx, kept)
	} else {
		old, isHTML, err := s.store.InstanceMessage(ctx, instanceID)
		if err != nil {
			return res, fmt.Errorf("done %d: load message: %w", instanceID, err)
		}
		if !isHTML {
			old = tgui.Esc(old).String()
		}
		keepErr = s.ch.EditText(ctx, kept, DoneText(old, res.Count), &transport.SendOptions{ParseMode: transport.ParseModeHTML})
	}
	if keepErr != nil {
		log.Warn("kept reminder not updated", logx.Int("message_id", res.Kept.MessageID), logx.Err(keepErr))
	}
	s.publish(EventDone, Event{InstanceID: instanceID, ChatID: res.Kept.ChatID, Count: res.Count})
	log.Info("instance done", logx.Int("deliveries", res.Count))

	if _, _, err := s.sweepRound(ctx, log, instanceID, s.Settings().SweepBatch); err != nil {
		log.Warn("repeats not swept", logx.Err(err))
	}
	return res, nil
}

// retracted reports whether a retraction outcome counts as success.
func retracted(err error) bool {
	return err == nil ||
		errors.Is(err, transport.ErrMessageNotFound) ||
		errors.Is(err, transport.ErrMessageCantBeDeleted)
}
