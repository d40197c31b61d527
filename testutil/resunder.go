package testutil

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ozanturksever/go-testcluster/resunder"
)

// FakeResunder is an in-process stand-in for the resunder daemon. It records
// every command it receives instead of touching the network stack.
type FakeResunder struct {
	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	commands []resunder.Command
	bad      []string
}

// StartResunder listens on a random loopback port. It is stopped by t.Cleanup.
func StartResunder(t *testing.T) *FakeResunder {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen for fake resunder: %v", err)
	}

	f := &FakeResunder{ln: ln}
	f.wg.Add(1)
	go f.acceptLoop()

	t.Cleanup(f.Stop)
	return f
}

func (f *FakeResunder) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		f.wg.Add(1)
		go f.handle(conn)
	}
}

func (f *FakeResunder) handle(conn net.Conn) {
	defer f.wg.Done()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	cmd, err := resunder.ParseCommand(line)
	if err != nil {
		f.bad = append(f.bad, line)
		return
	}
	f.commands = append(f.commands, cmd)
}

// Addr returns the address to point a resunder.Controller at.
func (f *FakeResunder) Addr() string {
	return f.ln.Addr().String()
}

// Controller returns a controller wired to this fake, with a process lister
// that always reports a running daemon.
func (f *FakeResunder) Controller() *resunder.Controller {
	return resunder.New(resunder.Config{
		Addr: f.Addr(),
		Lister: resunder.ListerFunc(func(context.Context) ([]string, error) {
			return []string{"python test/common/resunder.py"}, nil
		}),
	})
}

// Commands returns the commands received so far.
func (f *FakeResunder) Commands() []resunder.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]resunder.Command, len(f.commands))
	copy(out, f.commands)
	return out
}

// Rejected returns lines that did not parse as commands.
func (f *FakeResunder) Rejected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.bad))
	copy(out, f.bad)
	return out
}

// WaitForCommands waits until at least n commands arrived. The client does
// not wait for the daemon, so recording can lag behind a returned Send.
func (f *FakeResunder) WaitForCommands(t *testing.T, n int, timeout time.Duration) []resunder.Command {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cmds := f.Commands(); len(cmds) >= n {
			return cmds
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("fake resunder got %d commands, want %d", len(f.Commands()), n)
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (f *FakeResunder) Stop() {
	_ = f.ln.Close()
	f.wg.Wait()
}
