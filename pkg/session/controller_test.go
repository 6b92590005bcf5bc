package session_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/backend"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/monitor"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/session"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/settings"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) StartServer(ctx context.Context, port int, cfg settings.ServerConfig) (string, error) {
	args := m.Called(ctx, port, cfg)
	return args.String(0), args.Error(1)
}

func (m *mockBackend) StopServer(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockBackend) ServerStatus(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockBackend) ServerURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockBackend) AvailableMonitors(ctx context.Context) ([]monitor.Monitor, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]monitor.Monitor)
	return list, args.Error(1)
}

func (m *mockBackend) Logs(ctx context.Context) (backend.Logs, error) {
	args := m.Called(ctx)
	return args.Get(0).(backend.Logs), args.Error(1)
}

// countingBackend counts status polls against a simulator
type countingBackend struct {
	*backend.Simulator
	polls atomic.Int32
}

func (b *countingBackend) ServerStatus(ctx context.Context) (bool, error) {
	b.polls.Add(1)
	return b.Simulator.ServerStatus(ctx)
}

var errDial = errors.Wrap(backend.ErrUnavailable, "dial ws://127.0.0.1:9920/ipc: connection refused")

// runController starts the loop and waits for its first poll
func runController(t *testing.T, b backend.Backend, opts session.Options) *session.Controller {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Hour
	}
	if opts.RecheckDelay == 0 {
		opts.RecheckDelay = time.Hour
	}
	opts.Logger = zap.NewNop()

	ctrl := session.NewController(b, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-ctrl.Done()
	})

	require.Eventually(t, func() bool {
		return !ctrl.Status().PolledAt.IsZero()
	}, 2*time.Second, 5*time.Millisecond, "first poll")
	return ctrl
}

func idleMock() *mockBackend {
	m := &mockBackend{}
	m.On("AvailableMonitors", mock.Anything).Return([]monitor.Monitor{{Name: "A", IsPrimary: true}}, nil).Maybe()
	return m
}

func TestController_StartStop(t *testing.T) {
	sim := backend.NewSimulator("host", backend.DefaultMonitors())
	ctrl := runController(t, sim, session.Options{})
	ctx := context.Background()
	cfg := settings.DefaultServerConfig()

	assert.Equal(t, session.PhaseStopped, ctrl.Status().State.Phase)
	assert.Len(t, ctrl.Status().Monitors, 2)

	require.NoError(t, ctrl.Start(ctx, 9921, cfg))
	st := ctrl.Status()
	assert.Equal(t, session.State{Phase: session.PhaseRunning, URL: "http://host:9921", Port: 9921}, st.State)
	assert.False(t, st.Busy)

	url, err := ctrl.ConnectionURL(cfg)
	require.NoError(t, err)
	assert.Equal(t, "http://host:9921/kvm?audio=true;codec=h264", url)

	assert.ErrorIs(t, ctrl.Start(ctx, 9921, cfg), session.ErrAlreadyRunning)

	require.NoError(t, ctrl.Stop(ctx))
	assert.Equal(t, session.PhaseStopped, ctrl.Status().State.Phase)

	_, err = ctrl.ConnectionURL(cfg)
	assert.ErrorIs(t, err, session.ErrNotRunning)
}

func TestController_StopWhileStopped(t *testing.T) {
	m := idleMock()
	m.On("ServerStatus", mock.Anything).Return(false, nil)
	ctrl := runController(t, m, session.Options{})

	err := ctrl.Stop(context.Background())
	assert.ErrorIs(t, err, session.ErrNotRunning)
	assert.Equal(t, session.PhaseStopped, ctrl.Status().State.Phase)
	m.AssertNotCalled(t, "StopServer", mock.Anything)
}

func TestController_ConcurrentStartCallsBackendOnce(t *testing.T) {
	release := make(chan struct{})
	m := idleMock()
	m.On("ServerStatus", mock.Anything).Return(false, nil)
	m.On("StartServer", mock.Anything, 9921, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return("http://h:9921", nil).Once()
	ctrl := runController(t, m, session.Options{})

	const callers = 10
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			results <- ctrl.Start(context.Background(), 9921, settings.DefaultServerConfig())
		}()
	}

	// Everyone but the winner is rejected while the backend call blocks
	for i := 0; i < callers-1; i++ {
		assert.ErrorIs(t, <-results, session.ErrTransitionInProgress)
	}
	assert.True(t, ctrl.Status().Busy)
	assert.Equal(t, session.PhaseStarting, ctrl.Status().State.Phase)

	close(release)
	assert.NoError(t, <-results)
	assert.Equal(t, session.PhaseRunning, ctrl.Status().State.Phase)
	m.AssertNumberOfCalls(t, "StartServer", 1)
}

func TestController_StopDuringStartIsRejected(t *testing.T) {
	release := make(chan struct{})
	m := idleMock()
	m.On("ServerStatus", mock.Anything).Return(false, nil)
	m.On("StartServer", mock.Anything, 9921, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return("http://h:9921", nil).Once()
	ctrl := runController(t, m, session.Options{})

	done := make(chan error, 1)
	go func() { done <- ctrl.Start(context.Background(), 9921, settings.DefaultServerConfig()) }()

	require.Eventually(t, func() bool { return ctrl.Status().Busy }, time.Second, time.Millisecond)
	assert.ErrorIs(t, ctrl.Stop(context.Background()), session.ErrTransitionInProgress)

	close(release)
	assert.NoError(t, <-done)
	m.AssertNotCalled(t, "StopServer", mock.Anything)
}

func TestController_PollRunningWithoutAddress(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		urlErr error
	}{
		{"EmptyAddress", "", nil},
		{"URLFailure", "", errDial},
		{"RemoteFailure", "", &backend.RemoteError{Command: backend.CmdGetServerURL, Message: "no listener"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := idleMock()
			m.On("ServerStatus", mock.Anything).Return(true, nil)
			m.On("ServerURL", mock.Anything).Return(tt.url, tt.urlErr)
			m.On("StartServer", mock.Anything, 9921, mock.Anything).Return("http://h:9921", nil)
			ctrl := runController(t, m, session.Options{})

			// The first poll already saw the inconsistency
			assert.Equal(t, session.PhaseStopped, ctrl.Status().State.Phase)

			require.NoError(t, ctrl.Start(context.Background(), 9921, settings.DefaultServerConfig()))
			require.Equal(t, session.PhaseRunning, ctrl.Status().State.Phase)

			err := ctrl.Poll(context.Background())
			assert.ErrorIs(t, err, session.ErrInconsistentState)
			assert.Equal(t, session.State{Phase: session.PhaseStopped}, ctrl.Status().State)
		})
	}
}

func TestController_StartWithoutAddress(t *testing.T) {
	m := idleMock()
	m.On("ServerStatus", mock.Anything).Return(false, nil)
	m.On("StartServer", mock.Anything, 9921, mock.Anything).Return("  ", nil)
	ctrl := runController(t, m, session.Options{})

	err := ctrl.Start(context.Background(), 9921, settings.DefaultServerConfig())
	assert.ErrorIs(t, err, session.ErrInconsistentState)
	assert.Equal(t, session.PhaseStopped, ctrl.Status().State.Phase)
}

func TestController_StartBackendUnavailable(t *testing.T) {
	m := idleMock()
	m.On("ServerStatus", mock.Anything).Return(false, nil)
	m.On("StartServer", mock.Anything, 9921, mock.Anything).Return("", errDial)
	m.On("StopServer", mock.Anything).Return(nil)
	ctrl := runController(t, m, session.Options{})

	err := ctrl.Start(context.Background(), 9921, settings.DefaultServerConfig())
	assert.ErrorIs(t, err, session.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, session.ErrInvalidConfig)

	st := ctrl.Status()
	assert.Equal(t, session.PhaseError, st.State.Phase)
	assert.Contains(t, st.State.Message, "connection refused")
	assert.Contains(t, st.LastError, "connection refused")
	assert.False(t, st.Busy)

	// Stop is allowed from Error
	require.NoError(t, ctrl.Stop(context.Background()))
	assert.Equal(t, session.PhaseStopped, ctrl.Status().State.Phase)
	assert.Empty(t, ctrl.Status().LastError)
}

func TestController_StartRejectedByBackend(t *testing.T) {
	m := idleMock()
	m.On("ServerStatus", mock.Anything).Return(false, nil)
	m.On("StartServer", mock.Anything, 9921, mock.Anything).
		Return("", &backend.RemoteError{Command: backend.CmdStartServer, Message: "codec av1 not supported"})
	ctrl := runController(t, m, session.Options{})

	cfg := settings.DefaultServerConfig()
	cfg.H264, cfg.AV1 = false, true
	err := ctrl.Start(context.Background(), 9921, cfg)
	assert.ErrorIs(t, err, session.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "codec av1 not supported")
	assert.Equal(t, session.PhaseError, ctrl.Status().State.Phase)
}

func TestController_StartValidatesLocally(t *testing.T) {
	m := idleMock()
	m.On("ServerStatus", mock.Anything).Return(false, nil)
	ctrl := runController(t, m, session.Options{})
	ctx := context.Background()

	assert.ErrorIs(t, ctrl.Start(ctx, 80, settings.DefaultServerConfig()), session.ErrInvalidConfig)
	assert.ErrorIs(t, ctrl.Start(ctx, 70000, settings.DefaultServerConfig()), session.ErrInvalidConfig)

	cfg := settings.DefaultServerConfig()
	cfg.H265 = true
	assert.ErrorIs(t, ctrl.Start(ctx, 9921, cfg), session.ErrInvalidConfig)

	m.AssertNotCalled(t, "StartServer", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, session.PhaseStopped, ctrl.Status().State.Phase)
}

func TestController_StopFailures(t *testing.T) {
	tests := []struct {
		name      string
		stopErr   error
		wantErr   error
		wantPhase session.Phase
	}{
		{"Unreachable", errDial, session.ErrBackendUnavailable, session.PhaseError},
		{"BackendSaysNotRunning", &backend.RemoteError{Command: backend.CmdStopServer, Message: "server not running"}, session.ErrNotRunning, session.PhaseStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := idleMock()
			m.On("ServerStatus", mock.Anything).Return(false, nil)
			m.On("StartServer", mock.Anything, 9921, mock.Anything).Return("http://h:9921", nil)
			m.On("StopServer", mock.Anything).Return(tt.stopErr)
			ctrl := runController(t, m, session.Options{})

			require.NoError(t, ctrl.Start(context.Background(), 9921, settings.DefaultServerConfig()))
			err := ctrl.Stop(context.Background())
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantPhase, ctrl.Status().State.Phase)
		})
	}
}

func TestController_PollErrorIsNormalized(t *testing.T) {
	m := &mockBackend{}
	m.On("AvailableMonitors", mock.Anything).Return(nil, errDial).Once()
	m.On("AvailableMonitors", mock.Anything).Return([]monitor.Monitor{{Name: "A"}, {Name: "B", IsPrimary: true}}, nil)
	m.On("ServerStatus", mock.Anything).Return(false, errDial).Once()
	m.On("ServerStatus", mock.Anything).Return(false, nil)

	var seen [][]monitor.Monitor
	sink := make(chan []monitor.Monitor, 4)
	ctrl := runController(t, m, session.Options{OnMonitors: func(list []monitor.Monitor) { sink <- list }})

	st := ctrl.Status()
	assert.Equal(t, session.PhaseError, st.State.Phase)
	assert.Contains(t, st.State.Message, "backend unavailable")
	assert.Empty(t, st.Monitors, "failed refresh clears the list")
	assert.Equal(t, 0, ctrl.Registry().Len())
	seen = append(seen, <-sink)

	require.NoError(t, ctrl.Poll(context.Background()))
	st = ctrl.Status()
	assert.Equal(t, session.PhaseStopped, st.State.Phase)
	assert.Len(t, st.Monitors, 2)
	seen = append(seen, <-sink)

	require.Len(t, seen, 2)
	assert.Empty(t, seen[0])
	assert.Len(t, seen[1], 2)
}

func TestController_PollDiscoversExternalSession(t *testing.T) {
	sim := backend.NewSimulator("10.1.1.1", backend.DefaultMonitors())
	ctrl := runController(t, sim, session.Options{})

	_, err := sim.StartServer(context.Background(), 9930, settings.DefaultServerConfig())
	require.NoError(t, err)

	require.NoError(t, ctrl.Poll(context.Background()))
	assert.Equal(t, session.State{Phase: session.PhaseRunning, URL: "http://10.1.1.1:9930", Port: 9930}, ctrl.Status().State)
	assert.Nil(t, ctrl.Status().SessionConfig)

	// Nothing recorded for this session: the live config fills the URL
	live := settings.DefaultServerConfig()
	live.H264, live.AV1 = false, true
	url, err := ctrl.ConnectionURL(live)
	require.NoError(t, err)
	assert.Equal(t, "http://10.1.1.1:9930/kvm?audio=true;codec=av1", url)
}

func TestController_ConnectionURLUsesStartedConfig(t *testing.T) {
	sim := backend.NewSimulator("host", nil)
	ctrl := runController(t, sim, session.Options{})
	r := settings.NewReconciler(settings.DefaultCatalog)
	ctx := context.Background()

	require.NoError(t, ctrl.Start(ctx, 9921, r.Snapshot()))
	require.NotNil(t, ctrl.Status().SessionConfig)

	// Edits after start do not describe the running session
	require.NoError(t, r.SelectCodec(settings.CodecAV1))
	require.NoError(t, r.Toggle(settings.FieldAudio))
	require.NoError(t, r.Toggle(settings.FieldEncryption))

	url, err := ctrl.ConnectionURL(r.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, "http://host:9921/kvm?audio=true;codec=h264", url)

	// Polls of the same session keep the record
	require.NoError(t, ctrl.Poll(ctx))
	require.NotNil(t, ctrl.Status().SessionConfig)
	assert.Equal(t, settings.CodecH264, ctrl.Status().SessionConfig.Codec())

	require.NoError(t, ctrl.Stop(ctx))
	assert.Nil(t, ctrl.Status().SessionConfig)

	require.NoError(t, ctrl.Start(ctx, 9921, r.Snapshot()))
	url, err = ctrl.ConnectionURL(settings.DefaultServerConfig())
	require.NoError(t, err)
	assert.Equal(t, "http://host:9921/kvm?encryption=true;codec=av1", url)
}

func TestController_StalePollDoesNotOverwriteStart(t *testing.T) {
	list := []monitor.Monitor{{Name: "A", IsPrimary: true}}
	staleEntered := make(chan struct{})
	freshEntered := make(chan struct{})
	releaseStale := make(chan time.Time)
	releaseFresh := make(chan time.Time)

	m := &mockBackend{}
	// Polls call AvailableMonitors right before ServerStatus
	m.On("AvailableMonitors", mock.Anything).Return(list, nil).Once()
	m.On("AvailableMonitors", mock.Anything).Return(list, nil).Run(func(mock.Arguments) { close(staleEntered) }).Once()
	m.On("AvailableMonitors", mock.Anything).Return(list, nil).Run(func(mock.Arguments) { close(freshEntered) }).Once()
	m.On("ServerStatus", mock.Anything).Return(false, nil).Once()
	m.On("ServerStatus", mock.Anything).Return(false, nil).WaitUntil(releaseStale).Once()
	m.On("ServerStatus", mock.Anything).Return(true, nil).WaitUntil(releaseFresh).Once()
	m.On("ServerURL", mock.Anything).Return("http://h:9921", nil)
	m.On("StartServer", mock.Anything, 9921, mock.Anything).Return("http://h:9921", nil)

	ctrl := runController(t, m, session.Options{})
	ctx := context.Background()
	running := session.State{Phase: session.PhaseRunning, URL: "http://h:9921", Port: 9921}

	pollErr := make(chan error, 1)
	go func() { pollErr <- ctrl.Poll(ctx) }()
	select {
	case <-staleEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not reach the backend")
	}

	// The start completes while the older poll is still out
	require.NoError(t, ctrl.Start(ctx, 9921, settings.DefaultServerConfig()))
	require.Equal(t, running, ctrl.Status().State)

	close(releaseStale)
	select {
	case <-freshEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("no fresh poll after the stale one")
	}

	// The stale "not running" result was dropped and the waiter is still
	// waiting for the fresh poll
	assert.Equal(t, running, ctrl.Status().State)
	select {
	case err := <-pollErr:
		t.Fatalf("poll returned from the stale result: %v", err)
	default:
	}

	close(releaseFresh)
	select {
	case err := <-pollErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poll waiter not served")
	}
	assert.Equal(t, running, ctrl.Status().State)
	m.AssertNumberOfCalls(t, "ServerStatus", 3)
}

func TestController_RecheckAfterStart(t *testing.T) {
	b := &countingBackend{Simulator: backend.NewSimulator("host", nil)}
	ctrl := runController(t, b, session.Options{RecheckDelay: 20 * time.Millisecond})

	before := b.polls.Load()
	require.NoError(t, ctrl.Start(context.Background(), 9921, settings.DefaultServerConfig()))

	assert.Eventually(t, func() bool {
		return b.polls.Load() > before
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, session.PhaseRunning, ctrl.Status().State.Phase)
}

func TestController_CancelStopsPolling(t *testing.T) {
	b := &countingBackend{Simulator: backend.NewSimulator("host", nil)}
	ctrl := session.NewController(b, session.Options{
		PollInterval: 5 * time.Millisecond,
		RecheckDelay: 5 * time.Millisecond,
		Logger:       zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(ctx) }()

	require.Eventually(t, func() bool { return b.polls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-runErr)

	// A poll goroutine may still be finishing its backend call
	time.Sleep(20 * time.Millisecond)
	settled := b.polls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, b.polls.Load())

	assert.ErrorIs(t, ctrl.Start(context.Background(), 9921, settings.DefaultServerConfig()), session.ErrClosed)
	assert.Error(t, ctrl.Run(context.Background()), "Run may be called once")
}

func TestController_Updates(t *testing.T) {
	sim := backend.NewSimulator("host", nil)
	ctrl := runController(t, sim, session.Options{})

	require.NoError(t, ctrl.Start(context.Background(), 9921, settings.DefaultServerConfig()))

	select {
	case st := <-ctrl.Updates():
		assert.Equal(t, session.PhaseRunning, st.State.Phase)
	case <-time.After(time.Second):
		t.Fatal("no status update")
	}
}

func TestController_Logs(t *testing.T) {
	m := idleMock()
	m.On("ServerStatus", mock.Anything).Return(false, nil)
	m.On("Logs", mock.Anything).Return(backend.Logs{}, errDial)
	ctrl := runController(t, m, session.Options{})

	_, err := ctrl.Logs(context.Background())
	assert.ErrorIs(t, err, session.ErrBackendUnavailable)
}

func TestController_LowBandwidthScenario(t *testing.T) {
	monitors := []monitor.Monitor{{Name: "Left"}, {Name: "Center"}, {Name: "Right"}}
	sim := backend.NewSimulator("host", monitors)

	r := settings.NewReconciler(settings.DefaultCatalog)
	ctrl := runController(t, sim, session.Options{OnMonitors: r.SyncMonitors})

	require.True(t, r.ApplyPreset("lowBandwidth"))
	require.NoError(t, r.SetField(settings.FieldSelectedMonitor, 2))

	require.NoError(t, ctrl.Start(context.Background(), 9921, r.Snapshot()))
	assert.Equal(t, 2, sim.Config().SelectedMonitor)

	url, err := ctrl.ConnectionURL(r.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, "http://host:9921/kvm?audio=true;codec=h265;monitor=2", url)
}
