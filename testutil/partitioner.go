package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/ozanturksever/go-testcluster/resunder"
)

// ErrInjected is returned by a RecordingPartitioner told to fail.
var ErrInjected = errors.New("injected partition failure")

// RecordingPartitioner records partition commands in memory. It can be
// told to fail from a given command on, or to fail a single block.
type RecordingPartitioner struct {
	mu        sync.Mutex
	commands  []resunder.Command
	failAt    int // 1-based index of the first failing command, 0 = never
	blocks    int // block attempts, failed ones included
	failBlock int // block attempt that fails once, 0 = never
}

// NewRecordingPartitioner returns a partitioner that never fails.
func NewRecordingPartitioner() *RecordingPartitioner {
	return &RecordingPartitioner{}
}

func (r *RecordingPartitioner) Block(ctx context.Context, source, dest int) error {
	return r.record(resunder.Command{Verb: resunder.VerbBlock, Source: source, Dest: dest})
}

func (r *RecordingPartitioner) Unblock(ctx context.Context, source, dest int) error {
	return r.record(resunder.Command{Verb: resunder.VerbUnblock, Source: source, Dest: dest})
}

func (r *RecordingPartitioner) record(cmd resunder.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.commands)+1 >= r.failAt {
		return ErrInjected
	}
	if cmd.Verb == resunder.VerbBlock {
		r.blocks++
		if r.blocks == r.failBlock {
			r.failBlock = 0
			return ErrInjected
		}
	}
	r.commands = append(r.commands, cmd)
	return nil
}

// FailAfter makes every command after the next n fail.
func (r *RecordingPartitioner) FailAfter(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAt = len(r.commands) + n + 1
}

// FailBlockAt makes the n-th block from now fail. Every other command,
// unblocks included, keeps succeeding.
func (r *RecordingPartitioner) FailBlockAt(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failBlock = r.blocks + n
}

// Commands returns the successful commands so far.
func (r *RecordingPartitioner) Commands() []resunder.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]resunder.Command(nil), r.commands...)
}

// Count returns how many successful commands used verb.
func (r *RecordingPartitioner) Count(verb resunder.Verb) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.commands {
		if c.Verb == verb {
			n++
		}
	}
	return n
}

// Reset forgets recorded commands and clears any failure.
func (r *RecordingPartitioner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
	r.failAt = 0
	r.failBlock = 0
}
