// Package logscan recognizes the two server log lines that carry a process's
// runtime identity and tails a growing log file line by line.
//
// Only two grammars are understood:
//
//	Listening for <intracluster|client driver|administrative HTTP> connections on port <N>
//	Server ready, "<name>" <uuid>
//
// Everything else in the log is ignored.
package logscan

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// LineKind classifies a log line.
type LineKind int

const (
	// LineOther is any line that matches neither grammar.
	LineOther LineKind = iota
	// LinePort is a "Listening for ... connections on port N" line.
	LinePort
	// LineReady is a `Server ready, "name" uuid` line.
	LineReady
)

func (k LineKind) String() string {
	switch k {
	case LinePort:
		return "port"
	case LineReady:
		return "ready"
	default:
		return "other"
	}
}

// PortKind identifies which listener a port line describes.
type PortKind int

const (
	PortIntracluster PortKind = iota
	PortClientDriver
	PortHTTP
)

func (k PortKind) String() string {
	switch k {
	case PortIntracluster:
		return "intracluster"
	case PortClientDriver:
		return "client driver"
	case PortHTTP:
		return "administrative HTTP"
	default:
		return "unknown"
	}
}

// Line is the parsed form of one log line.
type Line struct {
	Kind LineKind

	// Set for LinePort.
	PortKind PortKind
	Port     int

	// Set for LineReady.
	Name string
	UUID uuid.UUID
}

// ErrMalformed is wrapped by Parse when a line cannot be interpreted at all
// or matches a grammar but carries an unusable value.
var ErrMalformed = errors.New("malformed log line")

var (
	portRegex  = regexp.MustCompile(`Listening for (intracluster|client driver|administrative HTTP) connections on port (\d+)$`)
	readyRegex = regexp.MustCompile(`Server ready, "(\w+)" (\w{8}-\w{4}-\w{4}-\w{4}-\w{12})$`)
)

// Parse interprets a single log line. Lines matching neither grammar return
// a LineOther result and no error.
func Parse(raw string) (Line, error) {
	if !utf8.ValidString(raw) {
		return Line{}, fmt.Errorf("%w: invalid UTF-8: %q", ErrMalformed, raw)
	}
	line := strings.TrimRight(raw, "\r\n")

	if m := portRegex.FindStringSubmatch(line); m != nil {
		port, err := strconv.Atoi(m[2])
		if err != nil || port <= 0 || port > 65535 {
			return Line{}, fmt.Errorf("%w: bad port %q", ErrMalformed, m[2])
		}
		parsed := Line{Kind: LinePort, Port: port}
		switch m[1] {
		case "intracluster":
			parsed.PortKind = PortIntracluster
		case "client driver":
			parsed.PortKind = PortClientDriver
		default:
			parsed.PortKind = PortHTTP
		}
		return parsed, nil
	}

	if m := readyRegex.FindStringSubmatch(line); m != nil {
		id, err := uuid.Parse(m[2])
		if err != nil {
			return Line{}, fmt.Errorf("%w: bad uuid %q: %v", ErrMalformed, m[2], err)
		}
		return Line{Kind: LineReady, Name: m[1], UUID: id}, nil
	}

	return Line{Kind: LineOther}, nil
}

// FormatPort renders a port line the way the server writes it.
func FormatPort(kind PortKind, port int) string {
	return fmt.Sprintf("Listening for %s connections on port %d", kind, port)
}

// FormatReady renders a ready line the way the server writes it.
func FormatReady(name string, id uuid.UUID) string {
	return fmt.Sprintf("Server ready, %q %s", name, id)
}
