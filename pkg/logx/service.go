package logx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

const defaultFile = "./scand.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string // default ./scand.log
}

// Service owns the sinks behind every Logger it hands out.
//
// A file replaced by Apply stays open until Close: loggers that loaded the
// previous sink may still be writing to it.
type Service struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	retired []*os.File

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() *zerolog.Logger { return s.root.Load() }

// Apply rebuilds the sinks. Loggers already handed out pick up the new
// level and outputs on their next line.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, console(os.Stdout))
	}
	var (
		opened *os.File
		path   string
	)
	if cfg.File.Enabled {
		path = strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFile
		}
		if s.file != nil && s.path == path {
			opened = s.file
		} else if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			opened = f
		}
		if opened != nil {
			outs = append(outs, zerolog.SyncWriter(opened))
		}
	}
	if len(outs) == 0 {
		outs = append(outs, console(os.Stderr))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if s.file != nil && s.file != opened {
		s.retired = append(s.retired, s.file)
	}
	s.file = opened
	s.path = path
}

// Close closes the current log file and every file replaced by Apply.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range s.retired {
		errs = append(errs, f.Close())
	}
	s.retired = nil
	if s.file != nil {
		errs = append(errs, s.file.Close())
		s.file = nil
		s.path = ""
	}
	return errors.Join(errs...)
}

func console(f *os.File) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          f,
		TimeFormat:   timeFormat,
		NoColor:      !isatty.IsTerminal(f.Fd()),
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
