package testcluster_test

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testcluster "github.com/ozanturksever/go-testcluster"
	"github.com/ozanturksever/go-testcluster/testutil"
	"github.com/ozanturksever/go-testcluster/testutil/fakeserver"
)

func TestCluster_StartAndStop(t *testing.T) {
	ctx := context.Background()
	h := testutil.StartHarness(t, testutil.HarnessConfig{})

	c, err := testcluster.NewCluster(ctx, h.MC,
		testcluster.InitialServers(2),
		testcluster.ReadyTimeout(30*time.Second),
	)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())
	assert.Same(t, h.MC, c.Metacluster())

	for _, p := range c.Processes() {
		status := p.Status()
		assert.True(t, status.Ready(), "process %d not ready: %+v", p.PID(), status)
		assert.Equal(t, testcluster.StateReady, p.State())
		assert.NotEqual(t, uuid.Nil, status.UUID)
		assert.Equal(t, c.ID(), status.ClusterID)
	}
	require.NoError(t, c.Check())

	require.NoError(t, c.CheckAndStop(ctx))
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Metacluster())
	assert.Empty(t, h.MC.Clusters())
	assert.ErrorIs(t, c.Check(), testcluster.ErrClusterStopped)
}

func TestCluster_Empty(t *testing.T) {
	ctx := context.Background()
	h := testutil.StartHarness(t, testutil.HarnessConfig{})

	c, err := testcluster.NewCluster(ctx, h.MC)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
	require.NoError(t, c.Check())
	require.NoError(t, c.WaitUntilReady(ctx, time.Second))

	_, err = c.DriverAddr(ctx)
	assert.ErrorIs(t, err, testcluster.ErrIndexOutOfRange)

	require.NoError(t, c.CheckAndStop(ctx))
}

func TestCluster_JoinsExistingMembers(t *testing.T) {
	ctx := context.Background()
	h := testutil.StartHarness(t, testutil.HarnessConfig{})

	c, err := testcluster.NewCluster(ctx, h.MC, testcluster.InitialServers(2))
	require.NoError(t, err)

	first, err := c.At(0)
	require.NoError(t, err)
	second, err := c.At(1)
	require.NoError(t, err)

	port, err := first.ClusterPort(ctx)
	require.NoError(t, err)

	assert.NotContains(t, first.Args(), "--join")
	assert.Contains(t, second.Args(), "localhost:"+strconv.Itoa(port))
}

func TestCluster_At(t *testing.T) {
	ctx := context.Background()
	h := testutil.StartHarness(t, testutil.HarnessConfig{})

	c, err := testcluster.NewCluster(ctx, h.MC, testcluster.InitialServers(1))
	require.NoError(t, err)

	tests := []struct {
		index   int
		wantErr bool
	}{
		{index: 0},
		{index: 1, wantErr: true},
		{index: -1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.index), func(t *testing.T) {
			p, err := c.At(tt.index)
			if tt.wantErr {
				assert.ErrorIs(t, err, testcluster.ErrIndexOutOfRange)
				assert.Nil(t, p)
				return
			}
			require.NoError(t, err)
			assert.True(t, c.Contains(p))
		})
	}
}

func TestCluster_DriverAddr(t *testing.T) {
	ctx := context.Background()
	h := testutil.StartHarness(t, testutil.HarnessConfig{})

	c, err := testcluster.NewCluster(ctx, h.MC, testcluster.InitialServers(1))
	require.NoError(t, err)
	p, err := c.At(0)
	require.NoError(t, err)
	port, err := p.DriverPort(ctx)
	require.NoError(t, err)

	addr, err := c.DriverAddr(ctx)
	require.NoError(t, err)
	assert.Equal(t, "localhost:"+strconv.Itoa(port), addr)
}

func TestCluster_StopWithCrashedMember(t *testing.T) {
	ctx := context.Background()
	h := testutil.StartHarness(t, testutil.HarnessConfig{})

	c, err := testcluster.NewCluster(ctx, h.MC, testcluster.InitialServers(3))
	require.NoError(t, err)
	members := c.Processes()

	crashed := members[1]
	require.NoError(t, syscall.Kill(crashed.PID(), syscall.SIGKILL))
	require.Eventually(t, func() bool { return crashed.Check() != nil }, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, c.Check(), testcluster.ErrProcessExited)

	err = c.CheckAndStop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, testcluster.ErrProcessExited)

	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Metacluster())
	for _, p := range members {
		assert.Equal(t, testcluster.StateStopped, p.State())
		assert.Nil(t, p.Cluster())
	}
	assert.Empty(t, h.Registry.Live())
}

func TestCluster_WaitUntilReadySharesDeadline(t *testing.T) {
	ctx := context.Background()
	h := testutil.StartHarness(t, testutil.HarnessConfig{})

	c, err := testcluster.NewCluster(ctx, h.MC,
		testcluster.InitialServers(3),
		testcluster.SkipWaitUntilReady(),
		testcluster.ServerOptions(testcluster.WithEnv(fakeserver.EnvNoReady+"=1")),
	)
	require.NoError(t, err)
	require.Equal(t, 3, c.Len())

	timeout := 500 * time.Millisecond
	start := time.Now()
	err = c.WaitUntilReady(ctx, timeout)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, testcluster.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 2*timeout, "members must be awaited concurrently")
}

func TestCluster_ReadyTimeoutAbortsStart(t *testing.T) {
	ctx := context.Background()
	h := testutil.StartHarness(t, testutil.HarnessConfig{})

	_, err := testcluster.NewCluster(ctx, h.MC,
		testcluster.InitialServers(2),
		testcluster.ReadyTimeout(300*time.Millisecond),
		testcluster.ServerOptions(testcluster.WithEnv(fakeserver.EnvNoReady+"=1")),
	)
	require.ErrorIs(t, err, testcluster.ErrTimeout)
	assert.Empty(t, h.MC.Clusters())
	assert.Empty(t, h.Registry.Live())
}

func TestNewCluster_InvalidOptions(t *testing.T) {
	ctx := context.Background()
	h := testutil.StartHarness(t, testutil.HarnessConfig{})

	tests := []struct {
		name string
		mc   *testcluster.Metacluster
		opts []testcluster.ClusterOption
	}{
		{
			name: "negative servers",
			mc:   h.MC,
			opts: []testcluster.ClusterOption{testcluster.InitialServers(-1)},
		},
		{
			name: "metacluster and output folder",
			mc:   h.MC,
			opts: []testcluster.ClusterOption{testcluster.ClusterOutputFolder(t.TempDir())},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testcluster.NewCluster(ctx, tt.mc, tt.opts...)
			assert.ErrorIs(t, err, testcluster.ErrInvalidOption)
		})
	}
	assert.Empty(t, h.MC.Clusters())
}

func TestNewCluster_ClosedMetacluster(t *testing.T) {
	h := testutil.StartHarness(t, testutil.HarnessConfig{})
	require.NoError(t, h.MC.Close())

	_, err := testcluster.NewCluster(context.Background(), h.MC)
	assert.ErrorIs(t, err, testcluster.ErrMetaclusterClosed)
}
