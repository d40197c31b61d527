package testcluster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Scenario declares clusters to start and processes to move between them,
// loaded from a YAML or JSON file.
type Scenario struct {
	Name         string            `yaml:"name" json:"name"`
	ReadyTimeout string            `yaml:"ready_timeout" json:"ready_timeout"`
	Clusters     []ScenarioCluster `yaml:"clusters" json:"clusters"`
	Moves        []ScenarioMove    `yaml:"moves,omitempty" json:"moves,omitempty"`
}

// ScenarioCluster declares one cluster.
type ScenarioCluster struct {
	Name         string   `yaml:"name" json:"name"`
	Servers      int      `yaml:"servers" json:"servers"`
	ExtraOptions []string `yaml:"extra_options,omitempty" json:"extra_options,omitempty"`
}

// ScenarioMove moves the servers at Processes, indexes into From's members
// at the time of the move, to To.
type ScenarioMove struct {
	From      string `yaml:"from" json:"from"`
	To        string `yaml:"to" json:"to"`
	Processes []int  `yaml:"processes" json:"processes"`
}

// LoadScenarioFile reads a scenario; the format follows the extension.
func LoadScenarioFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var s Scenario
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported scenario format: %s", ext)
	}

	return &s, nil
}

// WriteScenarioFile writes s in the format the extension names.
func WriteScenarioFile(path string, s *Scenario) error {
	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(s)
	case ".json":
		data, err = json.MarshalIndent(s, "", "  ")
	default:
		return fmt.Errorf("unsupported scenario format: %s", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to encode scenario: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyDefaults fills in the ready timeout.
func (s *Scenario) ApplyDefaults() {
	if s.ReadyTimeout == "" {
		s.ReadyTimeout = DefaultReadyTimeout.String()
	}
}

// Validate checks names, counts and move references.
func (s *Scenario) Validate() error {
	if s.ReadyTimeout != "" {
		if _, err := time.ParseDuration(s.ReadyTimeout); err != nil {
			return fmt.Errorf("invalid ready_timeout: %w", err)
		}
	}
	if len(s.Clusters) == 0 {
		return fmt.Errorf("at least one cluster is required")
	}

	sizes := make(map[string]int, len(s.Clusters))
	for i, c := range s.Clusters {
		if c.Name == "" {
			return fmt.Errorf("clusters[%d].name is required", i)
		}
		if _, dup := sizes[c.Name]; dup {
			return fmt.Errorf("duplicate cluster name: %s", c.Name)
		}
		if c.Servers < 0 {
			return fmt.Errorf("clusters[%d].servers must be non-negative", i)
		}
		sizes[c.Name] = c.Servers
	}

	for i, m := range s.Moves {
		if _, ok := sizes[m.From]; !ok {
			return fmt.Errorf("moves[%d].from: unknown cluster %q", i, m.From)
		}
		if _, ok := sizes[m.To]; !ok {
			return fmt.Errorf("moves[%d].to: unknown cluster %q", i, m.To)
		}
		if len(m.Processes) == 0 {
			return fmt.Errorf("moves[%d].processes must not be empty", i)
		}
		if len(lo.Uniq(m.Processes)) != len(m.Processes) {
			return fmt.Errorf("moves[%d].processes has duplicates", i)
		}
		for _, idx := range m.Processes {
			if idx < 0 || idx >= sizes[m.From] {
				return fmt.Errorf("moves[%d]: cluster %q has %d servers, index %d is invalid", i, m.From, sizes[m.From], idx)
			}
		}
		if m.From != m.To {
			sizes[m.From] -= len(m.Processes)
			sizes[m.To] += len(m.Processes)
		}
	}
	return nil
}

// Launch starts the declared clusters in mc, waits for them and performs
// the moves in order. It returns the clusters by name.
func (s *Scenario) Launch(ctx context.Context, mc *Metacluster) (map[string]*Cluster, error) {
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	timeout, _ := time.ParseDuration(s.ReadyTimeout)

	clusters := make(map[string]*Cluster, len(s.Clusters))
	for _, sc := range s.Clusters {
		c, err := NewCluster(ctx, mc,
			InitialServers(sc.Servers),
			ServerOptions(WithExtraOptions(sc.ExtraOptions...)),
			ReadyTimeout(timeout),
		)
		if err != nil {
			return clusters, fmt.Errorf("start cluster %s: %w", sc.Name, err)
		}
		clusters[sc.Name] = c
	}

	for i, m := range s.Moves {
		from, to := clusters[m.From], clusters[m.To]
		members := from.Processes()
		procs := make([]*Process, 0, len(m.Processes))
		for _, idx := range m.Processes {
			if idx >= len(members) {
				return clusters, fmt.Errorf("moves[%d]: %w: cluster %s has %d servers", i, ErrIndexOutOfRange, m.From, len(members))
			}
			procs = append(procs, members[idx])
		}
		if err := mc.MoveProcesses(ctx, from, to, procs); err != nil {
			return clusters, fmt.Errorf("moves[%d]: %w", i, err)
		}
	}
	return clusters, nil
}
