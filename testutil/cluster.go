package testutil

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	testcluster "github.com/ozanturksever/go-testcluster"
	"github.com/ozanturksever/go-testcluster/testutil/fakeserver"
)

// Harness is a Metacluster running the fake server, with its own registry,
// metrics and a recording partitioner.
type Harness struct {
	MC          *testcluster.Metacluster
	Partitioner *RecordingPartitioner
	Registry    *testcluster.Registry
	Metrics     *testcluster.Metrics
}

// HarnessConfig configures a Harness. Zero values pick test-friendly
// defaults.
type HarnessConfig struct {
	// Env holds extra fakeserver knobs for every child, create included.
	Env []string

	StartupTimeout  time.Duration
	StopGracePeriod time.Duration
	KillGracePeriod time.Duration

	// Partitioner replaces the recording partitioner.
	Partitioner testcluster.Partitioner
	Events      testcluster.Publisher
	Logger      *slog.Logger
}

// StartHarness creates the Metacluster in t.TempDir. The test binary must
// dispatch to fakeserver.Main in TestMain. Everything is stopped by
// t.Cleanup.
func StartHarness(t *testing.T, cfg HarnessConfig) *Harness {
	t.Helper()

	exe, err := fakeserver.Executable()
	if err != nil {
		t.Fatalf("failed to locate test binary: %v", err)
	}

	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.StopGracePeriod == 0 {
		cfg.StopGracePeriod = 10 * time.Second
	}
	if cfg.KillGracePeriod == 0 {
		cfg.KillGracePeriod = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		if os.Getenv("TESTCLUSTER_DEBUG") != "" {
			cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
	}

	h := &Harness{
		Partitioner: NewRecordingPartitioner(),
		Registry:    testcluster.NewRegistry(cfg.Logger),
		Metrics:     testcluster.NewMetrics(),
	}
	partitioner := cfg.Partitioner
	if partitioner == nil {
		partitioner = h.Partitioner
	}

	h.MC, err = testcluster.NewMetacluster(testcluster.Config{
		OutputFolder:    t.TempDir(),
		Executable:      exe,
		Env:             fakeserver.Env(cfg.Env...),
		StartupTimeout:  cfg.StartupTimeout,
		StopGracePeriod: cfg.StopGracePeriod,
		KillGracePeriod: cfg.KillGracePeriod,
		Partitioner:     partitioner,
		Registry:        h.Registry,
		Events:          cfg.Events,
		Metrics:         h.Metrics,
		Logger:          cfg.Logger,
	})
	if err != nil {
		t.Fatalf("failed to create metacluster: %v", err)
	}

	t.Cleanup(func() {
		if err := h.MC.Close(); err != nil && !errors.Is(err, testcluster.ErrMetaclusterClosed) {
			t.Logf("metacluster close: %v", err)
		}
		_ = h.Registry.Shutdown()
	})
	return h
}
