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

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	defaultLogPath = "./relaydeck.log"
	timeFormat     = "2006-01-02T15:04:05.000Z07:00"
)

// Service owns the live root logger and the file sink.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	console  io.Writer

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with a Logger bound to it.
func New(cfg Config) (*Service, Logger) {
	return newService(cfg, os.Stderr)
}

func newService(cfg Config, console io.Writer) (*Service, Logger) {
	setGlobals()
	s := &Service{console: console}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps level and sinks. The file stays open when its path is
// unchanged. With no sink enabled, logs go to the console.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := strings.TrimSpace(cfg.File.Path)
	if path == "" {
		path = defaultLogPath
	}
	if s.file != nil && (!cfg.File.Enabled || path != s.filePath) {
		_ = s.file.Close()
		s.file, s.filePath = nil, ""
	}
	if cfg.File.Enabled && s.file == nil {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file, s.filePath = f, path
		}
	}

	var sinks []io.Writer
	if cfg.Console || s.file == nil {
		sinks = append(sinks, consoleWriter(s.console))
	}
	if s.file != nil {
		sinks = append(sinks, zerolog.SyncWriter(s.file))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close releases the file sink. Loggers keep writing to the console.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.file
	s.file, s.filePath = nil, ""
	lvl := s.current().GetLevel()
	zl := zerolog.New(consoleWriter(s.console)).Level(lvl).With().Timestamp().Logger()
	s.root.Store(&zl)
	if f == nil {
		return nil
	}
	return f.Close()
}

func setGlobals() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
