package resunder

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessLister returns the command lines of the processes on the host.
type ProcessLister interface {
	Commands(ctx context.Context) ([]string, error)
}

// ListerFunc adapts a function to ProcessLister.
type ListerFunc func(ctx context.Context) ([]string, error)

func (f ListerFunc) Commands(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// PsutilLister lists every process on the host, like `ps -A -www -o command`.
type PsutilLister struct{}

func (PsutilLister) Commands(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	cmds := make([]string, 0, len(procs))
	for _, p := range procs {
		// Processes can exit between listing and inspection.
		cmd, err := p.CmdlineWithContext(ctx)
		if err != nil || cmd == "" {
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}
