package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Format selects how a sink renders records.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./clusterjobs.log"
)

var stdout io.Writer = os.Stdout

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

type Config struct {
	Level string
	// Console writes to stdout. With no sink enabled stdout is used anyway.
	Console bool
	// Format applies to stdout; files are always JSON.
	Format Format
	File   FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks and swaps them on Apply. Loggers derived from it
// pick up the change on their next record.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File
	out  io.Writer

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg immediately and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{out: stdout}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{src: s.current} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Level is the active minimum level.
func (s *Service) Level() Level { return s.current().GetLevel() }

// Apply swaps outputs and level. A level-only change keeps the open file.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cfg
	s.cfg = cfg
	if s.root.Load() != nil && sameSinks(prev, cfg) {
		zl := s.current().Level(parseLevel(cfg.Level, zerolog.InfoLevel))
		s.root.Store(&zl)
		return
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Console || len(writers) == 0 {
		if cfg.Format == FormatJSON {
			writers = append(writers, s.out)
		} else {
			writers = append(writers, consoleWriter(s.out))
		}
	}

	zl := newRoot(FormatJSON, cfg.Level, zerolog.MultiLevelWriter(writers...))
	s.root.Store(&zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func sameSinks(a, b Config) bool {
	return a.Console == b.Console && a.Format == b.Format && a.File == b.File
}

func newRoot(format Format, level string, w io.Writer) zerolog.Logger {
	if format == FormatConsole {
		w = consoleWriter(w)
	}
	return zerolog.New(w).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	if _, ok := w.(zerolog.ConsoleWriter); ok {
		return w
	}
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}
