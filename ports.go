package testcluster

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/phayes/freeport"
)

var (
	usedPorts   = make(map[int]struct{})
	usedPortsMu sync.Mutex
)

// getFreePort returns a free local port not handed out before by this
// process, so concurrent spawns never pick the same client port.
func getFreePort() (int, error) {
	usedPortsMu.Lock()
	defer usedPortsMu.Unlock()
	for {
		port, err := freeport.GetFreePort()
		if err != nil {
			return 0, fmt.Errorf("allocate free port: %w", err)
		}
		if _, used := usedPorts[port]; used {
			continue
		}
		usedPorts[port] = struct{}{}
		return port, nil
	}
}

// hasFlag reports whether args already carry flag, as "--flag v" or
// "--flag=v".
func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag || strings.HasPrefix(a, flag+"=") {
			return true
		}
	}
	return false
}

// flagValue returns the value given for flag in args.
func flagValue(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
		if v, ok := strings.CutPrefix(a, flag+"="); ok {
			return v, true
		}
	}
	return "", false
}

// portFlag parses an explicit numeric port flag. Zero means the server picks.
func portFlag(args []string, flag string) (int, bool, error) {
	v, ok := flagValue(args, flag)
	if !ok {
		return 0, false, nil
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 0 || port > 65535 {
		return 0, true, fmt.Errorf("%w: %s %q is not a port", ErrInvalidOption, flag, v)
	}
	return port, true, nil
}
