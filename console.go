package testcluster

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const consoleFileName = "console.txt"

type consoleKind int

const (
	consoleDefault consoleKind = iota
	consoleStdout
	consoleDiscard
	consoleDataDir
	consoleFile
	consoleWriter
)

// Console selects where a child's stdout and stderr go. The zero value
// picks the default of whoever opens it.
type Console struct {
	kind consoleKind
	path string
	w    io.Writer
}

var (
	// ConsoleStdout shares this process's stdout.
	ConsoleStdout = Console{kind: consoleStdout}
	// ConsoleDiscard drops all output.
	ConsoleDiscard = Console{kind: consoleDiscard}
	// ConsoleDataDir writes console.txt inside the server's data directory.
	// Processes without one get a temporary file, removed when they stop.
	ConsoleDataDir = Console{kind: consoleDataDir}
)

// ConsoleFile appends to the file at path.
func ConsoleFile(path string) Console {
	return Console{kind: consoleFile, path: path}
}

// ConsoleTo writes to w. The writer is never closed.
func ConsoleTo(w io.Writer) Console {
	return Console{kind: consoleWriter, w: w}
}

func (c Console) isDefault() bool {
	return c.kind == consoleDefault
}

// sink is an opened Console.
type sink struct {
	w    io.Writer
	file *os.File // non-nil when we opened it and must close it
	temp bool     // file is a temporary file removed on close
}

func (s *sink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// name returns the path of the file behind s, or "" for plain writers.
func (s *sink) name() string {
	if s.file == nil {
		return ""
	}
	return s.file.Name()
}

func (s *sink) close() error {
	if s == nil || s.file == nil {
		return nil
	}
	err := s.file.Close()
	if s.temp {
		if rerr := os.Remove(s.file.Name()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
			err = rerr
		}
	}
	s.file = nil
	return err
}

// keep stops close from removing a temporary file, once it was moved
// somewhere permanent.
func (s *sink) keep() {
	s.temp = false
}

// open materializes c. dataDir may be empty when there is no data directory
// yet; fallback replaces the zero value.
func (c Console) open(dataDir string, fallback Console) (*sink, error) {
	if c.isDefault() {
		c = fallback
	}

	switch c.kind {
	case consoleWriter:
		return &sink{w: c.w}, nil
	case consoleDiscard:
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		return &sink{w: f, file: f}, nil
	case consoleDataDir:
		if dataDir == "" {
			f, err := os.CreateTemp("", "console-*.txt")
			if err != nil {
				return nil, fmt.Errorf("create console file: %w", err)
			}
			return &sink{w: f, file: f, temp: true}, nil
		}
		return openAppend(filepath.Join(dataDir, consoleFileName))
	case consoleFile:
		return openAppend(c.path)
	default:
		return &sink{w: os.Stdout}, nil
	}
}

func openAppend(path string) (*sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open console file: %w", err)
	}
	return &sink{w: f, file: f}, nil
}
