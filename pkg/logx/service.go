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
	"golang.org/x/time/rate"
)

const defaultLogFile = "./draftbot.log"

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

// FileConfig enables a JSON lines file sink.
type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Service owns the sinks and swaps them on Apply. Loggers taken from it
// pick up the new sinks without being recreated.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]
	tg   *telegramSink
}

// New applies cfg immediately. sender may be nil.
func New(cfg Config, sender Sender) (*Service, Logger) {
	s := &Service{tg: newTelegramSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetTelegramTarget sets the chat that receives log lines (0 disables delivery).
func (s *Service) SetTelegramTarget(chatID int64) { s.tg.setTarget(chatID) }

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file, s.filePath = nil, ""
	s.mu.Unlock()

	s.tg.stop()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply rebuilds the sink set. The log file stays open when its path is unchanged.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	rps := max(1, cfg.Telegram.RatePerSec)
	s.tg.configure(parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel), rate.NewLimiter(rate.Limit(rps), rps))

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if w := s.fileSinkLocked(cfg.File); w != nil {
		writers = append(writers, w)
	}
	if cfg.Telegram.Enabled {
		s.tg.start()
		writers = append(writers, s.tg)
		if !s.tg.hasTarget() {
			fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but telegram.log_chat_id is not set")
		}
	} else {
		s.tg.stop()
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) fileSinkLocked(fc FileConfig) io.Writer {
	if !fc.Enabled {
		s.closeFileLocked()
		return nil
	}
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogFile
	}
	if s.file != nil && s.filePath == path {
		return zerolog.SyncWriter(s.file)
	}
	s.closeFileLocked()

	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return nil
	}
	s.file, s.filePath = f, path
	return zerolog.SyncWriter(f)
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
		s.file, s.filePath = nil, ""
	}
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
