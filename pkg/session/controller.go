// Package session drives the streaming server's lifecycle: start and stop
// transitions, periodic health polls and recovery from inconsistent
// backend state.
package session

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/backend"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/connurl"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/monitor"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/settings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Port bounds accepted by Start
const (
	MinPort = 1024
	MaxPort = 65535
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultRecheckDelay = time.Second
)

// Options configures a Controller
type Options struct {
	PollInterval time.Duration // health poll period
	RecheckDelay time.Duration // delay of the status re-check after start/stop

	// Registry caches the monitor list; nil creates one backed by the backend
	Registry *monitor.Registry
	// OnMonitors receives every monitor snapshot (empty after a failed refresh)
	OnMonitors func([]monitor.Monitor)

	Logger *zap.Logger
}

// Status is the read-only view published to the presentation layer
type Status struct {
	State     State
	Monitors  []monitor.Monitor
	LastError string // user-visible error of the last failed intent
	Busy      bool   // a start or stop is in flight
	PolledAt  time.Time

	// SessionConfig is the config the running session was started with.
	// Nil when no session runs or it was started outside this controller.
	SessionConfig *settings.ServerConfig
}

// Controller owns the session state. All state changes happen on the
// goroutine running Run; backend calls run on their own goroutines and
// report back through the event channel.
type Controller struct {
	backend    backend.Backend
	registry   *monitor.Registry
	onMonitors func([]monitor.Monitor)
	interval   time.Duration
	recheck    time.Duration
	logger     *zap.Logger

	events  chan any
	done    chan struct{}
	started atomic.Bool

	status  atomic.Pointer[Status]
	updates chan Status

	// Owned by the Run goroutine
	state       State
	monitors    []monitor.Monitor
	lastError   string
	polledAt    time.Time
	sessionCfg  *settings.ServerConfig
	busy        bool
	seq         uint64 // bumped when a start or stop begins or ends
	polling     bool
	pollSeq     uint64 // seq when the in-flight poll began
	pollWaiters []chan error
	recheckT    *time.Timer
}

// Events handled by the loop
type (
	startRequest struct {
		port  int
		cfg   settings.ServerConfig
		reply chan error
	}
	stopRequest struct {
		reply chan error
	}
	pollRequest struct {
		reply chan error
	}
	startDone struct {
		port  int
		cfg   settings.ServerConfig
		addr  string
		err   error
		reply chan error
	}
	stopDone struct {
		err   error
		reply chan error
	}
	pollDone struct {
		result pollResult
	}
	recheckDue struct{}
)

type pollResult struct {
	monitors   []monitor.Monitor
	monitorErr error
	running    bool
	url        string
	err        error // get_server_status failed
	urlErr     error // get_server_url failed or returned nothing
}

// NewController creates a controller in PhaseStopped. Call Run to start it.
func NewController(b backend.Backend, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RecheckDelay <= 0 {
		opts.RecheckDelay = DefaultRecheckDelay
	}
	if opts.Registry == nil {
		opts.Registry = monitor.NewRegistry(b)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Controller{
		backend:    b,
		registry:   opts.Registry,
		onMonitors: opts.OnMonitors,
		interval:   opts.PollInterval,
		recheck:    opts.RecheckDelay,
		logger:     opts.Logger.Named("session"),
		events:     make(chan any),
		done:       make(chan struct{}),
		updates:    make(chan Status, 1),
		state:      State{Phase: PhaseStopped},
	}
	c.publish()
	return c
}

// Registry returns the monitor registry refreshed by polls
func (c *Controller) Registry() *monitor.Registry {
	return c.registry
}

// Status returns the latest published status
func (c *Controller) Status() Status {
	return *c.status.Load()
}

// Updates delivers the latest status after each change. Only the most
// recent status is kept; slow readers skip intermediate ones.
func (c *Controller) Updates() <-chan Status {
	return c.updates
}

// Done is closed when Run returns
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Start asks the backend to start streaming on port with cfg
func (c *Controller) Start(ctx context.Context, port int, cfg settings.ServerConfig) error {
	if port < MinPort || port > MaxPort {
		return errors.Wrapf(ErrInvalidConfig, "port %d outside [%d, %d]", port, MinPort, MaxPort)
	}
	if cfg.SelectorCount() != 1 {
		return errors.Wrap(ErrInvalidConfig, "exactly one codec must be selected")
	}

	reply := make(chan error, 1)
	if err := c.post(ctx, startRequest{port: port, cfg: cfg, reply: reply}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// Stop asks the backend to stop streaming
func (c *Controller) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, stopRequest{reply: reply}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// Poll refreshes status and monitors now. Concurrent polls share one
// backend round trip.
func (c *Controller) Poll(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, pollRequest{reply: reply}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// ConnectionURL returns the client address while a session runs. The
// parameters come from the config the session was started with; live is
// used only for sessions this controller did not start.
func (c *Controller) ConnectionURL(live settings.ServerConfig) (string, error) {
	st := c.Status()
	if st.State.Phase != PhaseRunning {
		return "", ErrNotRunning
	}
	cfg := live
	if st.SessionConfig != nil {
		cfg = *st.SessionConfig
	}
	return connurl.Build(st.State.URL, cfg).String(), nil
}

// Logs fetches the backend's debug and error logs
func (c *Controller) Logs(ctx context.Context) (backend.Logs, error) {
	logs, err := c.backend.Logs(ctx)
	if err != nil {
		return backend.Logs{}, classify(err, ErrBackendUnavailable)
	}
	return logs, nil
}

// Run is the controller loop. It polls immediately and then every poll
// interval until ctx is cancelled. It may be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("controller already running")
	}
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	defer func() {
		if c.recheckT != nil {
			c.recheckT.Stop()
		}
	}()

	c.logger.Debug("controller started", zap.Duration("interval", c.interval))
	c.beginPoll(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("controller stopped")
			return nil
		case <-ticker.C:
			c.beginPoll(ctx)
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case startRequest:
		c.handleStart(ctx, ev)
	case stopRequest:
		c.handleStop(ctx, ev)
	case pollRequest:
		c.pollWaiters = append(c.pollWaiters, ev.reply)
		c.beginPoll(ctx)
	case recheckDue:
		c.beginPoll(ctx)
	case startDone:
		c.finishStart(ev)
	case stopDone:
		c.finishStop(ev)
	case pollDone:
		c.finishPoll(ctx, ev.result)
	}
}

func (c *Controller) handleStart(ctx context.Context, req startRequest) {
	if c.busy {
		req.reply <- ErrTransitionInProgress
		return
	}
	if c.state.Phase == PhaseRunning {
		req.reply <- ErrAlreadyRunning
		return
	}

	c.busy = true
	c.seq++
	c.lastError = ""
	c.setState(State{Phase: PhaseStarting, Port: req.port})
	c.logger.Info("starting server",
		zap.Int("port", req.port),
		zap.String("codec", string(req.cfg.Codec())),
		zap.Int("bitrate", req.cfg.Bitrate),
		zap.Int("framerate", req.cfg.Framerate))

	go func() {
		addr, err := c.backend.StartServer(ctx, req.port, req.cfg)
		_ = c.post(ctx, startDone{port: req.port, cfg: req.cfg, addr: addr, err: err, reply: req.reply})
	}()
}

func (c *Controller) finishStart(ev startDone) {
	c.busy = false
	c.seq++

	if ev.err != nil {
		err := classify(ev.err, ErrInvalidConfig)
		c.logger.Error("start failed", zap.Error(err))
		c.fail(err)
		ev.reply <- err
		return
	}

	addr := strings.TrimSpace(ev.addr)
	if addr == "" {
		err := errors.Wrap(ErrInconsistentState, "start_server returned no address")
		c.logger.Warn("start acknowledged without address", zap.Error(err))
		c.setState(State{Phase: PhaseStopped})
		c.scheduleRecheck()
		ev.reply <- err
		return
	}

	cfg := ev.cfg
	c.sessionCfg = &cfg
	c.setState(State{Phase: PhaseRunning, URL: addr, Port: ev.port})
	c.logger.Info("server running", zap.String("url", addr))
	c.scheduleRecheck()
	ev.reply <- nil
}

func (c *Controller) handleStop(ctx context.Context, req stopRequest) {
	if c.busy {
		req.reply <- ErrTransitionInProgress
		return
	}
	if c.state.Phase == PhaseStopped {
		req.reply <- ErrNotRunning
		return
	}

	c.busy = true
	c.seq++
	c.lastError = ""
	c.setState(State{Phase: PhaseStopping, URL: c.state.URL, Port: c.state.Port})
	c.logger.Info("stopping server")

	go func() {
		err := c.backend.StopServer(ctx)
		_ = c.post(ctx, stopDone{err: err, reply: req.reply})
	}()
}

func (c *Controller) finishStop(ev stopDone) {
	c.busy = false
	c.seq++

	if ev.err != nil {
		if _, ok := backend.AsRemote(ev.err); ok {
			// The backend says nothing is running: that is the goal state
			err := classify(ev.err, ErrNotRunning)
			c.logger.Warn("stop rejected by backend", zap.Error(err))
			c.setState(State{Phase: PhaseStopped})
			c.scheduleRecheck()
			ev.reply <- err
			return
		}
		err := classify(ev.err, ErrNotRunning)
		c.logger.Error("stop failed", zap.Error(err))
		c.fail(err)
		ev.reply <- err
		return
	}

	c.setState(State{Phase: PhaseStopped})
	c.logger.Info("server stopped")
	c.scheduleRecheck()
	ev.reply <- nil
}

// beginPoll starts a poll unless one is already in flight
func (c *Controller) beginPoll(ctx context.Context) {
	if c.polling {
		return
	}
	c.polling = true
	c.pollSeq = c.seq

	go func() {
		res := c.poll(ctx)
		_ = c.post(ctx, pollDone{result: res})
	}()
}

// poll runs on its own goroutine and touches no loop-owned state
func (c *Controller) poll(ctx context.Context) pollResult {
	var res pollResult
	res.monitors, res.monitorErr = c.registry.Refresh(ctx)

	running, err := c.backend.ServerStatus(ctx)
	if err != nil {
		res.err = err
		return res
	}
	res.running = running
	if !running {
		return res
	}

	url, err := c.backend.ServerURL(ctx)
	switch {
	case err != nil:
		res.urlErr = err
	case strings.TrimSpace(url) == "":
		res.urlErr = errors.New("get_server_url returned no address")
	default:
		res.url = strings.TrimSpace(url)
	}
	return res
}

func (c *Controller) finishPoll(ctx context.Context, res pollResult) {
	c.polling = false
	c.polledAt = time.Now()
	stale := c.pollSeq != c.seq

	if res.monitorErr != nil {
		c.logger.Warn("monitor refresh failed", zap.Error(res.monitorErr))
	}
	c.monitors = res.monitors
	if c.onMonitors != nil {
		c.onMonitors(res.monitors)
	}

	var err error
	next := c.state
	switch {
	case res.err != nil:
		err = classify(res.err, ErrBackendUnavailable)
		c.logger.Warn("status poll failed", zap.Error(err))
		next = State{Phase: PhaseError, Message: err.Error()}
	case res.running && res.urlErr != nil:
		err = errors.Wrapf(ErrInconsistentState, "running without address: %v", res.urlErr)
		c.logger.Warn("inconsistent backend state, forcing stopped", zap.Error(err))
		next = State{Phase: PhaseStopped}
	case res.running:
		port := portFromURL(res.url)
		if port == 0 {
			port = c.state.Port
		}
		next = State{Phase: PhaseRunning, URL: res.url, Port: port}
	default:
		next = State{Phase: PhaseStopped}
	}

	// A start or stop in flight owns the state until it completes, and a
	// poll that began before it must not overwrite its outcome
	if !c.busy && !stale && next != c.state {
		if c.state.Phase == PhaseError && next.Phase != PhaseError {
			c.logger.Info("backend state recovered", zap.Stringer("state", next))
		}
		c.setState(next)
	} else {
		c.publish()
	}

	if stale && len(c.pollWaiters) > 0 {
		c.beginPoll(ctx)
		return
	}
	for _, w := range c.pollWaiters {
		w <- err
	}
	c.pollWaiters = nil
}

// fail moves to PhaseError and records err for display
func (c *Controller) fail(err error) {
	c.lastError = err.Error()
	c.setState(State{Phase: PhaseError, Message: err.Error()})
}

func (c *Controller) setState(next State) {
	if !CanTransition(c.state.Phase, next.Phase) {
		// Every caller passes a table transition; reaching this is a bug
		c.logger.Error("illegal transition",
			zap.Stringer("from", c.state.Phase), zap.Stringer("to", next.Phase))
		return
	}
	if next != c.state {
		c.logger.Debug("state changed", zap.Stringer("from", c.state), zap.Stringer("to", next))
	}
	// The recorded config describes only the session at this address
	switch {
	case next.Phase != PhaseRunning && next.Phase != PhaseStopping:
		c.sessionCfg = nil
	case c.state.Phase == PhaseRunning && next.URL != c.state.URL:
		c.sessionCfg = nil
	}
	c.state = next
	c.publish()
}

func (c *Controller) scheduleRecheck() {
	if c.recheckT != nil {
		c.recheckT.Stop()
	}
	c.recheckT = time.AfterFunc(c.recheck, func() {
		select {
		case c.events <- recheckDue{}:
		case <-c.done:
		}
	})
}

// publish stores a status snapshot and offers it on the updates channel
func (c *Controller) publish() {
	monitors := make([]monitor.Monitor, len(c.monitors))
	copy(monitors, c.monitors)

	st := &Status{
		State:     c.state,
		Monitors:  monitors,
		LastError: c.lastError,
		Busy:      c.busy,
		PolledAt:  c.polledAt,
	}
	if c.sessionCfg != nil {
		cfg := *c.sessionCfg
		st.SessionConfig = &cfg
	}
	c.status.Store(st)

	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- *st:
	default:
	}
}

// post delivers ev to the loop. It fails once the loop has exited or ctx
// is done.
func (c *Controller) post(ctx context.Context, ev any) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) wait(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-c.done:
		// The loop may have replied just before exiting
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
