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
	"gopkg.in/natefinch/lumberjack.v2"

	kit "pewnotify/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

// FileConfig enables a JSON log file rotated by size. Zero MaxSizeMB uses
// lumberjack's default of 100 MB.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// TelegramConfig controls the operator alert sink.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string // default warn
	RatePerSec int    // default 1
}

const defaultLogPath = "./pewnotify.log"

// Service owns the log outputs and swaps them on Apply.
type Service struct {
	cur atomic.Pointer[zerolog.Logger]

	mu     sync.Mutex
	file   *lumberjack.Logger
	alerts *alertSink // nil without a sender
	stderr io.Writer
}

// New builds the service, applies cfg and returns a root Logger that follows
// later Apply calls. sender may be nil, which disables the alert sink.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	s := &Service{stderr: os.Stderr}
	if sender != nil {
		s.alerts = newAlertSink(sender)
	}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() *zerolog.Logger { return s.cur.Load() }

func (s *Service) Logger() Logger { return Logger{src: s} }

// SetTelegramTarget sets the alert chat. A zero chat id disables alerts.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	if s.alerts != nil {
		s.alerts.setTarget(kit.ChatTarget{ChatID: chatID, ThreadID: threadID})
	}
}

// Apply rebuilds outputs and levels. Safe to call while logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	old := s.file
	s.file = nil
	if cfg.File.Enabled {
		if f, err := s.openFile(cfg.File); err != nil {
			fmt.Fprintf(s.stderr, "logx: %v\n", err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	if s.alerts != nil {
		s.alerts.configure(cfg.Telegram)
		if cfg.Telegram.Enabled {
			if s.alerts.target().IsZero() {
				fmt.Fprintln(s.stderr, "logx: telegram alerts enabled but telegram.group_log is not set")
			}
			writers = append(writers, s.alerts)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.cur.Store(&zl)

	// Close the previous file only after the new logger is live.
	if old != nil {
		_ = old.Close()
	}
}

func (s *Service) openFile(fc FileConfig) (*lumberjack.Logger, error) {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir for %q: %w", path, err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
		Compress:   fc.Compress,
	}, nil
}

// Close stops the alert worker and closes the log file.
func (s *Service) Close() error {
	if s.alerts != nil {
		s.alerts.close()
	}
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
