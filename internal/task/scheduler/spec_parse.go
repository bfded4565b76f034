package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts five fields, six with leading seconds, and descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SpecKind is either a cron expression or a fixed interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized schedule string. Source is "cron", "duration"
// or "hhmm".
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string
}

// ParseSchedule classifies raw. Accepted forms:
//   - cron: "0 * * * * *", "*/5 * * * *", "@daily", "@every 55m"
//   - a Go duration: "55m", "2h30m"
//   - HH:MM as an interval: "00:50" is 50 minutes
//
// A "cron:" prefix forces cron; "interval:" and "every:" force an interval.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}
	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		if rest == "" {
			return ParsedSpec{}, errors.New("cron expression required after \"cron:\"")
		}
		return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
	}
	for _, p := range []string{"interval:", "every:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			return parseInterval(rest)
		}
	}
	if s[0] == '@' || strings.ContainsAny(s, " \t") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	if ps, err := parseInterval(s); err == nil {
		return ps, nil
	}
	return ParsedSpec{}, fmt.Errorf("invalid schedule %q: want cron ('0 * * * * *'), HH:MM ('02:30') or a duration ('55m')", raw)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	ps := ParsedSpec{Kind: SpecInterval, Source: "duration"}
	if h, m, ok := strings.Cut(v, ":"); ok {
		hh, errH := strconv.Atoi(h)
		mm, errM := strconv.Atoi(m)
		if errH != nil || errM != nil || hh < 0 || len(m) != 2 || mm > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid HH:MM interval %q", v)
		}
		ps.Every, ps.Source = time.Duration(hh)*time.Hour+time.Duration(mm)*time.Minute, "hhmm"
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q: use HH:MM or a duration like 55m", v)
		}
		ps.Every = d
	}
	if ps.Every <= 0 {
		return ParsedSpec{}, errors.New("interval must be positive")
	}
	return ps, nil
}

// ValidateSchedule reports whether raw would be accepted by AddSchedule.
func ValidateSchedule(raw string) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := cronParser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}
	return nil
}
