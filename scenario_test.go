package testcluster_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testcluster "github.com/ozanturksever/go-testcluster"
	"github.com/ozanturksever/go-testcluster/resunder"
	"github.com/ozanturksever/go-testcluster/testutil"
)

const splitScenario = `
name: split-brain
ready_timeout: 20s
clusters:
  - name: main
    servers: 3
    extra_options: ["--cache-size", "128"]
  - name: side
moves:
  - from: main
    to: side
    processes: [0]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenarioFile(t *testing.T) {
	s, err := testcluster.LoadScenarioFile(writeFile(t, "split.yaml", splitScenario))
	require.NoError(t, err)

	assert.Equal(t, "split-brain", s.Name)
	assert.Equal(t, "20s", s.ReadyTimeout)
	require.Len(t, s.Clusters, 2)
	assert.Equal(t, testcluster.ScenarioCluster{
		Name:         "main",
		Servers:      3,
		ExtraOptions: []string{"--cache-size", "128"},
	}, s.Clusters[0])
	assert.Equal(t, 0, s.Clusters[1].Servers)
	assert.Equal(t, []testcluster.ScenarioMove{{From: "main", To: "side", Processes: []int{0}}}, s.Moves)
	require.NoError(t, s.Validate())
}

func TestLoadScenarioFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "bad yaml", file: "s.yml", content: "clusters: [\n"},
		{name: "bad json", file: "s.json", content: "{"},
		{name: "unknown extension", file: "s.toml", content: "name = 'x'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testcluster.LoadScenarioFile(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := testcluster.LoadScenarioFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWriteScenarioFile(t *testing.T) {
	s := &testcluster.Scenario{
		Name:     "join",
		Clusters: []testcluster.ScenarioCluster{{Name: "a", Servers: 1}, {Name: "b", Servers: 1}},
		Moves:    []testcluster.ScenarioMove{{From: "b", To: "a", Processes: []int{0}}},
	}
	s.ApplyDefaults()

	for _, name := range []string{"join.yaml", "join.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, testcluster.WriteScenarioFile(path, s))
			got, err := testcluster.LoadScenarioFile(path)
			require.NoError(t, err)
			assert.Equal(t, s, got)
		})
	}

	assert.Error(t, testcluster.WriteScenarioFile(filepath.Join(t.TempDir(), "join.txt"), s))
}

func TestScenario_Validate(t *testing.T) {
	one := []testcluster.ScenarioCluster{{Name: "a", Servers: 1}, {Name: "b"}}

	tests := []struct {
		name     string
		scenario testcluster.Scenario
		wantErr  bool
	}{
		{
			name:     "valid",
			scenario: testcluster.Scenario{Clusters: one},
		},
		{
			name:     "no clusters",
			scenario: testcluster.Scenario{},
			wantErr:  true,
		},
		{
			name:     "bad timeout",
			scenario: testcluster.Scenario{ReadyTimeout: "soon", Clusters: one},
			wantErr:  true,
		},
		{
			name:     "unnamed cluster",
			scenario: testcluster.Scenario{Clusters: []testcluster.ScenarioCluster{{Servers: 1}}},
			wantErr:  true,
		},
		{
			name:     "duplicate names",
			scenario: testcluster.Scenario{Clusters: []testcluster.ScenarioCluster{{Name: "a"}, {Name: "a"}}},
			wantErr:  true,
		},
		{
			name:     "negative servers",
			scenario: testcluster.Scenario{Clusters: []testcluster.ScenarioCluster{{Name: "a", Servers: -1}}},
			wantErr:  true,
		},
		{
			name: "unknown cluster in move",
			scenario: testcluster.Scenario{Clusters: one, Moves: []testcluster.ScenarioMove{
				{From: "a", To: "c", Processes: []int{0}},
			}},
			wantErr: true,
		},
		{
			name: "index out of range",
			scenario: testcluster.Scenario{Clusters: one, Moves: []testcluster.ScenarioMove{
				{From: "a", To: "b", Processes: []int{1}},
			}},
			wantErr: true,
		},
		{
			name: "index gone after earlier move",
			scenario: testcluster.Scenario{Clusters: one, Moves: []testcluster.ScenarioMove{
				{From: "a", To: "b", Processes: []int{0}},
				{From: "a", To: "b", Processes: []int{0}},
			}},
			wantErr: true,
		},
		{
			name: "move back",
			scenario: testcluster.Scenario{Clusters: one, Moves: []testcluster.ScenarioMove{
				{From: "a", To: "b", Processes: []int{0}},
				{From: "b", To: "a", Processes: []int{0}},
			}},
		},
		{
			name: "duplicate process",
			scenario: testcluster.Scenario{Clusters: []testcluster.ScenarioCluster{{Name: "a", Servers: 2}, {Name: "b"}}, Moves: []testcluster.ScenarioMove{
				{From: "a", To: "b", Processes: []int{1, 1}},
			}},
			wantErr: true,
		},
		{
			name: "empty move",
			scenario: testcluster.Scenario{Clusters: one, Moves: []testcluster.ScenarioMove{
				{From: "a", To: "b"},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scenario.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScenario_Launch(t *testing.T) {
	ctx := context.Background()
	h := testutil.StartHarness(t, testutil.HarnessConfig{})

	s, err := testcluster.LoadScenarioFile(writeFile(t, "split.yaml", splitScenario))
	require.NoError(t, err)

	clusters, err := s.Launch(ctx, h.MC)
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	primary, side := clusters["main"], clusters["side"]
	assert.Equal(t, 2, primary.Len())
	assert.Equal(t, 1, side.Len())
	assert.Equal(t, 8, h.Partitioner.Count(resunder.VerbBlock))

	moved, err := side.At(0)
	require.NoError(t, err)
	v, _ := flagValue(moved.Args(), "--cache-size")
	assert.Equal(t, "128", v)

	require.NoError(t, primary.Check())
	require.NoError(t, side.Check())
}
