package testcluster

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConsoleOpen(t *testing.T) {
	dir := t.TempDir()

	t.Run("writer is not closed", func(t *testing.T) {
		var buf bytes.Buffer
		s, err := ConsoleTo(&buf).open(dir, ConsoleStdout)
		if err != nil {
			t.Fatal(err)
		}
		s.Write([]byte("hello"))
		if err := s.close(); err != nil {
			t.Errorf("close() unexpected error: %v", err)
		}
		if buf.String() != "hello" {
			t.Errorf("buffer = %q, want hello", buf.String())
		}
		if s.name() != "" {
			t.Errorf("name() = %q, want empty", s.name())
		}
	})

	t.Run("data dir", func(t *testing.T) {
		s, err := ConsoleDataDir.open(dir, ConsoleStdout)
		if err != nil {
			t.Fatal(err)
		}
		s.Write([]byte("line\n"))
		s.close()

		data, err := os.ReadFile(filepath.Join(dir, consoleFileName))
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "line\n" {
			t.Errorf("console.txt = %q", data)
		}
	})

	t.Run("data dir without directory uses a temp file", func(t *testing.T) {
		s, err := ConsoleDataDir.open("", ConsoleStdout)
		if err != nil {
			t.Fatal(err)
		}
		name := s.name()
		if !strings.Contains(filepath.Base(name), "console-") {
			t.Errorf("name() = %q, want a console temp file", name)
		}
		if err := s.close(); err != nil {
			t.Fatalf("close() unexpected error: %v", err)
		}
		if _, err := os.Stat(name); !os.IsNotExist(err) {
			t.Errorf("temp console file still exists after close: %v", err)
		}
	})

	t.Run("kept temp file survives close", func(t *testing.T) {
		s, err := ConsoleDataDir.open("", ConsoleStdout)
		if err != nil {
			t.Fatal(err)
		}
		dst := filepath.Join(dir, "moved.txt")
		if err := os.Rename(s.name(), dst); err != nil {
			t.Fatal(err)
		}
		s.keep()
		if err := s.close(); err != nil {
			t.Fatalf("close() unexpected error: %v", err)
		}
		if _, err := os.Stat(dst); err != nil {
			t.Errorf("moved console file: %v", err)
		}
	})

	t.Run("file appends", func(t *testing.T) {
		path := filepath.Join(dir, "out.txt")
		for _, line := range []string{"a\n", "b\n"} {
			s, err := ConsoleFile(path).open("", ConsoleStdout)
			if err != nil {
				t.Fatal(err)
			}
			s.Write([]byte(line))
			s.close()
		}
		data, _ := os.ReadFile(path)
		if string(data) != "a\nb\n" {
			t.Errorf("file = %q, want both lines", data)
		}
	})

	t.Run("default uses fallback", func(t *testing.T) {
		s, err := Console{}.open(dir, ConsoleDiscard)
		if err != nil {
			t.Fatal(err)
		}
		defer s.close()
		if s.name() != os.DevNull {
			t.Errorf("name() = %q, want %s", s.name(), os.DevNull)
		}
	})

	t.Run("stdout is never closed", func(t *testing.T) {
		s, err := ConsoleStdout.open(dir, ConsoleDiscard)
		if err != nil {
			t.Fatal(err)
		}
		if s.w != os.Stdout {
			t.Error("ConsoleStdout should write to os.Stdout")
		}
		if err := s.close(); err != nil {
			t.Errorf("close() unexpected error: %v", err)
		}
	})
}
