package testcluster

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is a point-in-time snapshot of a Process.
type Status struct {
	Kind  Kind  `json:"kind"`
	State State `json:"state"`
	PID   int   `json:"pid"`

	// ClusterID is -1 when the process is not in a cluster.
	ClusterID int64 `json:"clusterId"`

	// Discovered fields are zero until known.
	Name        string    `json:"name"`
	UUID        uuid.UUID `json:"uuid"`
	ClusterPort int       `json:"clusterPort"`
	DriverPort  int       `json:"driverPort"`
	HTTPPort    int       `json:"httpPort"`

	LocalClusterPort int    `json:"localClusterPort"`
	LogPath          string `json:"logPath"`
	DBPath           string `json:"dbPath,omitempty"`

	// Uptime is how long the process has been running.
	Uptime time.Duration `json:"uptime"`

	// ExitCode is set once the process has exited.
	ExitCode *int `json:"exitCode,omitempty"`
}

// Ready reports whether the three ports and the UUID are known.
func (s Status) Ready() bool {
	return s.ClusterPort != 0 && s.DriverPort != 0 && s.HTTPPort != 0 && s.UUID != uuid.Nil
}

// String returns the state name.
func (s Status) String() string {
	return s.State.String()
}

// statusJSON is used for custom JSON marshaling.
type statusJSON struct {
	Kind             string `json:"kind"`
	State            string `json:"state"`
	PID              int    `json:"pid"`
	ClusterID        int64  `json:"clusterId"`
	Name             string `json:"name,omitempty"`
	UUID             string `json:"uuid,omitempty"`
	ClusterPort      int    `json:"clusterPort,omitempty"`
	DriverPort       int    `json:"driverPort,omitempty"`
	HTTPPort         int    `json:"httpPort,omitempty"`
	LocalClusterPort int    `json:"localClusterPort"`
	LogPath          string `json:"logPath"`
	DBPath           string `json:"dbPath,omitempty"`
	UptimeMs         int64  `json:"uptimeMs"`
	ExitCode         *int   `json:"exitCode,omitempty"`
}

// MarshalJSON implements json.Marshaler to serialize Kind and State as
// strings and Uptime as milliseconds.
func (s Status) MarshalJSON() ([]byte, error) {
	j := statusJSON{
		Kind:             s.Kind.String(),
		State:            s.State.String(),
		PID:              s.PID,
		ClusterID:        s.ClusterID,
		Name:             s.Name,
		ClusterPort:      s.ClusterPort,
		DriverPort:       s.DriverPort,
		HTTPPort:         s.HTTPPort,
		LocalClusterPort: s.LocalClusterPort,
		LogPath:          s.LogPath,
		DBPath:           s.DBPath,
		UptimeMs:         s.Uptime.Milliseconds(),
		ExitCode:         s.ExitCode,
	}
	if s.UUID != uuid.Nil {
		j.UUID = s.UUID.String()
	}
	return json.Marshal(j)
}

// Status returns a snapshot without waiting for discovery.
func (p *Process) Status() Status {
	s := Status{
		Kind:             p.kind,
		State:            p.State(),
		PID:              p.pid,
		ClusterID:        -1,
		LocalClusterPort: p.localClusterPort,
		LogPath:          p.logPath,
	}
	if c := p.Cluster(); c != nil {
		s.ClusterID = c.ID()
	}
	if p.files != nil {
		s.DBPath = p.files.DBPath()
	}
	s.Name, _ = p.name.peek()
	s.UUID, _ = p.serverUUID.peek()
	s.ClusterPort, _ = p.clusterPort.peek()
	s.DriverPort, _ = p.driverPort.peek()
	s.HTTPPort, _ = p.httpPort.peek()

	select {
	case <-p.exited:
		code := p.exitCode
		s.ExitCode = &code
		s.Uptime = p.exitedAt.Sub(p.startedAt)
	default:
		s.Uptime = time.Since(p.startedAt)
	}
	return s
}
