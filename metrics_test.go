package testcluster_test

import (
	"context"
	"io"
	"net/http"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testcluster "github.com/ozanturksever/go-testcluster"
	"github.com/ozanturksever/go-testcluster/testutil"
)

func TestMetrics_ProcessLifecycle(t *testing.T) {
	ctx := context.Background()
	h := testutil.StartHarness(t, testutil.HarnessConfig{})
	m := h.Metrics

	c, err := testcluster.NewCluster(ctx, h.MC, testcluster.InitialServers(2))
	require.NoError(t, err)

	assert.Equal(t, 2.0, promtest.ToFloat64(m.ProcessesStarted.WithLabelValues("server")))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.ProcessesLive))
	assert.Equal(t, 1, promtest.CollectAndCount(m.StartupSeconds))

	require.NoError(t, c.CheckAndStop(ctx))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.ProcessesLive))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.ProcessExits.WithLabelValues("server", "stopped")))
}

func TestMetrics_Topology(t *testing.T) {
	ctx := context.Background()
	h := testutil.StartHarness(t, testutil.HarnessConfig{})
	m := h.Metrics

	source, err := testcluster.NewCluster(ctx, h.MC, testcluster.InitialServers(3))
	require.NoError(t, err)
	dest, err := testcluster.NewCluster(ctx, h.MC)
	require.NoError(t, err)
	members := source.Processes()

	require.NoError(t, h.MC.MoveProcesses(ctx, source, dest, members[:1]))
	assert.Equal(t, 8.0, promtest.ToFloat64(m.PartitionCommands.WithLabelValues("block", "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.TopologyMoves.WithLabelValues("success")))

	h.Partitioner.FailAfter(0)
	require.Error(t, h.MC.MoveProcesses(ctx, source, dest, members[1:2]))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.PartitionCommands.WithLabelValues("block", "error")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.TopologyMoves.WithLabelValues("error")))
}

func TestMetrics_Server(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := testcluster.NewMetrics()
	assert.Empty(t, m.Addr())
	require.NoError(t, m.Start(ctx, "127.0.0.1:0", nil))
	defer m.Stop()
	require.NotEmpty(t, m.Addr())

	resp, err := http.Get("http://" + m.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tc_processes_live")

	m.Stop()
	assert.Empty(t, m.Addr())
}
