package backend_test

import (
	"context"
	"testing"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/backend"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulator_Lifecycle(t *testing.T) {
	ctx := context.Background()
	sim := backend.NewSimulator("host", backend.DefaultMonitors())

	_, err := sim.ServerURL(ctx)
	_, ok := backend.AsRemote(err)
	assert.True(t, ok)

	addr, err := sim.StartServer(ctx, 9921, settings.DefaultServerConfig())
	require.NoError(t, err)
	assert.Equal(t, "http://host:9921", addr)

	_, err = sim.StartServer(ctx, 9922, settings.DefaultServerConfig())
	re, ok := backend.AsRemote(err)
	require.True(t, ok)
	assert.Equal(t, "server already running", re.Message)

	require.NoError(t, sim.StopServer(ctx))
	running, err := sim.ServerStatus(ctx)
	require.NoError(t, err)
	assert.False(t, running)

	logs, err := sim.Logs(ctx)
	require.NoError(t, err)
	assert.Contains(t, logs.Error, "server already running")
}

func TestSimulator_RejectsMissingMonitor(t *testing.T) {
	sim := backend.NewSimulator("host", backend.DefaultMonitors())

	cfg := settings.DefaultServerConfig()
	cfg.SelectedMonitor = 4
	_, err := sim.StartServer(context.Background(), 9921, cfg)
	re, ok := backend.AsRemote(err)
	require.True(t, ok)
	assert.Equal(t, backend.CmdStartServer, re.Command)
	assert.Equal(t, "start_server: monitor 4 does not exist", re.Error())
}
