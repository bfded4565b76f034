package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig drives the group sink. The target chat is set separately
// with SetTelegramTarget because it comes from the telegram section.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./tasker.log"

// Service owns the sinks behind every logger it hands out.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu    sync.Mutex
	file  *os.File
	group *groupSink
}

// New applies cfg and returns the service with its root logger. sender may be
// nil and attached later.
func New(cfg Config, sender Sender) (*Service, Logger) {
	s := &Service{group: newGroupSink(sender)}
	boot := build(consoleSink(Stdout()), ParseLevel(cfg.Level, LevelInfo))
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Logger returns a logger that follows later Apply calls.
func (s *Service) Logger() Logger { return Logger{src: s.current} }

// SetSender attaches the outbound channel; the group sink drops records
// until one is set.
func (s *Service) SetSender(sender Sender) { s.group.setSender(sender) }

// SetTelegramTarget points the group sink at chatID. A zero threadID keeps
// the configured one.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.group.setTarget(chatID, threadID)
}

// Apply rebuilds the sinks from cfg. Loggers already handed out switch over
// with their next record.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.group.configure(cfg.Telegram)
	s.closeFileLocked()

	lvl := ParseLevel(cfg.Level, LevelInfo)
	if lvl == LevelOff {
		nop := zerolog.Nop()
		s.root.Store(&nop)
		return
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(Stdout()))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		if !s.group.hasTarget() {
			fmt.Fprintln(os.Stderr, "logx: telegram sink enabled without telegram.group_log")
		}
		s.group.start()
		sinks = append(sinks, s.group)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleSink(Stdout()))
	}

	zl := build(zerolog.MultiLevelWriter(sinks...), lvl)
	s.root.Store(&zl)
}

// Close stops the group sink and closes the log file.
func (s *Service) Close() error {
	s.group.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeFileLocked()
	return nil
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log file %q: %w", path, err)
	}
	return f, nil
}
