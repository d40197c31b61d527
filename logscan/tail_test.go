package logscan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWaitForFile_AppearsLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log_file")

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = os.WriteFile(path, nil, 0o644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, WaitForFile(ctx, path, 20*time.Millisecond))
}

func TestWaitForFile_Timeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := WaitForFile(ctx, path, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestWaitForFile_Directory(t *testing.T) {
	dir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := WaitForFile(ctx, dir, 20*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a regular file")
}

func TestTail_FollowsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log_file")
	require.NoError(t, os.WriteFile(path, []byte("first\nsec"), 0o644))

	var mu sync.Mutex
	var lines []string

	go func() {
		time.Sleep(100 * time.Millisecond)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = f.WriteString("ond\r\nthird\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := Tail(ctx, path, TailConfig{PollInterval: 10 * time.Millisecond}, func(line string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, line)
		return len(lines) == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, lines)
}

func TestTail_StopsOnIdleError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log_file")
	require.NoError(t, os.WriteFile(path, []byte("only\n"), 0o644))

	boom := errors.New("process exited")
	idleCalls := 0

	err := Tail(context.Background(), path, TailConfig{
		PollInterval: 10 * time.Millisecond,
		OnIdle: func() error {
			idleCalls++
			if idleCalls == 2 {
				return boom
			}
			return nil
		},
	}, func(string) (bool, error) { return false, nil })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, idleCalls)
}

func TestTail_ContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log_file")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := Tail(ctx, path, TailConfig{}, func(string) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTail_MissingFile(t *testing.T) {
	err := Tail(context.Background(), filepath.Join(t.TempDir(), "missing"), TailConfig{}, func(string) (bool, error) {
		return true, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
