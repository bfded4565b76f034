package reminder

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tasker/internal/storage"
	logx "tasker/pkg/logx"
)

// Today is the UTC date of now, moved by offset from its midnight. Any offset
// within [0, 24h) leaves the UTC date as is; the host zone never matters.
func Today(now time.Time, offset time.Duration) time.Time {
	y, m, d := now.UTC().Date()
	y, m, d = time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(offset).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func timeOfDay(t time.Time) time.Duration {
	h, m, s := t.UTC().Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
}

// Occurs reports whether d has an occurrence inside [day, day+interval).
// Occurrences repeat every Period starting at StartsAt.
func Occurs(d storage.Definition, day time.Time, interval time.Duration) bool {
	period := int64(d.Period / time.Second)
	span := int64(interval / time.Second)
	if period <= 0 || span <= 0 {
		return false
	}
	end := day.Add(interval)
	if !d.StartsAt.Before(end) {
		return false
	}
	elapsed := int64(end.Sub(d.StartsAt) / time.Second)
	return elapsed%period < span
}

// Language describes the synthetic "language of the day" reminder.
type Language struct {
	Enabled bool
	Slot    time.Duration
	Labels  map[string]string
}

// BuildInstances turns definitions into the instances for day. Definitions
// with a non-positive period are returned in skipped.
func BuildInstances(defs []storage.Definition, day time.Time, interval time.Duration, lang Language) (out []storage.Instance, skipped []storage.Definition) {
	type candidate struct {
		def storage.Definition
		tod time.Duration
	}
	cands := make([]candidate, 0, len(defs))
	for _, d := range defs {
		if d.IsMuted {
			continue
		}
		if d.Period <= 0 {
			skipped = append(skipped, d)
			continue
		}
		if Occurs(d, day, interval) {
			cands = append(cands, candidate{def: d, tod: timeOfDay(d.StartsAt)})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].tod < cands[j].tod })

	out = make([]storage.Instance, 0, len(cands)+1)
	for _, c := range cands {
		out = append(out, storage.Instance{
			ChatID:  c.def.ChatID,
			Title:   c.def.TaskName,
			Message: messageOr(c.def.Message, c.def.TaskName),
			IsHTML:  c.def.IsHTML,
			SendAt:  day.Add(c.tod),
		})
	}

	if lang.Enabled && len(cands) > 0 {
		for _, c := range cands {
			if c.tod != lang.Slot {
				continue
			}
			label := c.def.TaskName
			if v, ok := lang.Labels[label]; ok {
				label = v
			}
			first := cands[0]
			out = append(out, storage.Instance{
				ChatID:  first.def.ChatID,
				Title:   label,
				Message: messageOr(first.def.Message, label),
				IsHTML:  first.def.IsHTML,
				SendAt:  day.Add(first.tod),
			})
			break
		}
	}
	return out, skipped
}

func messageOr(msg *string, fallback string) string {
	if msg != nil {
		return *msg
	}
	return fallback
}

// Materialize regenerates the instances of the UTC day Today picks for the
// next interval. A non-positive interval uses the configured lookahead.
// Running it twice for the same day inserts nothing new.
func (s *Service) Materialize(ctx context.Context, now time.Time, interval time.Duration) (storage.MaterializeResult, error) {
	set := s.Settings()
	if interval <= 0 {
		interval = set.Lookahead
	}
	day := Today(now, set.DayOffset)
	lang := Language{Enabled: set.LanguageEnabled, Slot: set.LanguageSlot, Labels: set.LanguageLabels}

	res, err := s.store.Materialize(ctx, day, day.Add(interval), func(defs []storage.Definition) []storage.Instance {
		out, skipped := BuildInstances(defs, day, interval, lang)
		for _, d := range skipped {
			s.log.Warn("definition has no positive period; skipped", logx.Int64("definition_id", d.ID), logx.String("task", d.TaskName))
		}
		return out
	})
	if err != nil {
		return storage.MaterializeResult{}, fmt.Errorf("materialize %s: %w", day.Format(time.DateOnly), err)
	}
	s.log.Info("instances materialized",
		logx.String("day", day.Format(time.DateOnly)),
		logx.Duration("interval", interval),
		logx.Int("purged", res.Purged),
		logx.Int("inserted", res.Inserted),
	)
	s.publish(EventMaterialized, Event{Count: res.Inserted})
	return res, nil
}
