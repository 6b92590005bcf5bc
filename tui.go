package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/backend"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/session"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/settings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Column indices. Bitrate, FPS and codec share the settings box.
const (
	columnPresets  = 0
	columnBitrate  = 1
	columnFPS      = 2
	columnCodec    = 3
	columnMonitors = 4
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	urlStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	monitorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	// Keybind styles
	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14")) // Cyan for keys

	keySepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	toggleActiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("10"))

	toggleInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("8"))

	// Box styles for columns
	activeBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)

	inactiveBoxStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("8")).
				Padding(0, 1)

	boxTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	boxTitleDimStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("8"))
)

// Messages
type statusMsg session.Status

type tickMsg time.Time

// actionDoneMsg reports the result of a controller call made from a key
type actionDoneMsg struct {
	action string
	err    error
}

type logsMsg struct {
	logs backend.Logs
	err  error
}

// Model
type model struct {
	ctx    context.Context
	ctrl   *session.Controller
	rec    *settings.Reconciler
	port   int
	logger *zap.Logger

	status session.Status

	// Navigation
	activeColumn  int
	presetCursor  int
	bitrateCursor int
	fpsCursor     int
	codecCursor   int
	monitorCursor int
	activePreset  string // last applied preset, cleared by manual edits

	spinner spinner.Model

	// Logs panel
	showLogs bool
	logs     viewport.Model

	lastError   string // errors not carried by the controller status
	stopFailed  bool   // the last stop failed, s retries it
	copyMessage string
	copyMsgTime time.Time

	// Terminal dimensions
	width  int
	height int
}

func newModel(ctx context.Context, ctrl *session.Controller, rec *settings.Reconciler, port int, logger *zap.Logger) model {
	if logger == nil {
		logger = zap.NewNop()
	}

	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = statusStyle

	cfg := rec.Snapshot()
	return model{
		ctx:           ctx,
		ctrl:          ctrl,
		rec:           rec,
		port:          port,
		logger:        logger.Named("tui"),
		status:        ctrl.Status(),
		activeColumn:  columnPresets,
		bitrateCursor: settings.BitrateStepIndex(cfg.Bitrate),
		fpsCursor:     settings.FPSIndexForValue(cfg.Framerate),
		codecCursor:   settings.CodecIndex(cfg.Codec()),
		monitorCursor: cfg.SelectedMonitor,
		spinner:       spin,
		logs:          viewport.New(80, 12),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		waitForStatus(m.ctrl),
		m.spinner.Tick,
		tickCmd(),
		tea.SetWindowTitle("CLEVER KVM"),
	)
}

// waitForStatus delivers the next published controller status
func waitForStatus(ctrl *session.Controller) tea.Cmd {
	return func() tea.Msg {
		select {
		case st := <-ctrl.Updates():
			return statusMsg(st)
		case <-ctrl.Done():
			return nil
		}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logs.Width = max(20, msg.Width-4)
		m.logs.Height = max(4, msg.Height/3)
		return m, nil

	case statusMsg:
		m.status = session.Status(msg)
		// Keep the monitor cursor on the list
		if m.monitorCursor >= len(m.status.Monitors) {
			m.monitorCursor = max(0, len(m.status.Monitors)-1)
		}
		return m, waitForStatus(m.ctrl)

	case actionDoneMsg:
		switch msg.action {
		case "stop":
			m.stopFailed = msg.err != nil && !errors.Is(msg.err, session.ErrTransitionInProgress)
		case "start":
			m.stopFailed = false
		}
		if msg.err != nil && !errors.Is(msg.err, session.ErrTransitionInProgress) {
			m.logger.Debug("action failed", zap.String("action", msg.action), zap.Error(msg.err))
			// Backend failures already show through the status
			if msg.action != "refresh" {
				m.lastError = msg.err.Error()
			}
		}
		return m, nil

	case logsMsg:
		if msg.err != nil {
			m.logs.SetContent(errorStyle.Render(msg.err.Error()))
			return m, nil
		}
		m.logs.SetContent(renderLogs(msg.logs))
		m.logs.GotoBottom()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		// Clear copy message after 2 seconds
		if m.copyMessage != "" && time.Since(m.copyMsgTime) > 2*time.Second {
			m.copyMessage = ""
		}
		return m, tickCmd()
	}

	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showLogs {
		switch msg.String() {
		case "up", "k":
			m.logs.ScrollUp(1)
			return m, nil
		case "down", "j":
			m.logs.ScrollDown(1)
			return m, nil
		case "pgup":
			m.logs.PageUp()
			return m, nil
		case "pgdown":
			m.logs.PageDown()
			return m, nil
		}
	}

	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "tab", "right", "l":
		switch m.activeColumn {
		case columnPresets:
			m.activeColumn = columnBitrate
		case columnMonitors:
			m.activeColumn = columnPresets
		default:
			m.activeColumn = columnMonitors
		}
		return m, nil

	case "shift+tab", "left", "h":
		switch m.activeColumn {
		case columnPresets:
			m.activeColumn = columnMonitors
		case columnMonitors:
			m.activeColumn = columnBitrate
		default:
			m.activeColumn = columnPresets
		}
		return m, nil

	case "up", "k":
		m.moveUp()
		return m, nil

	case "down", "j":
		m.moveDown()
		return m, nil

	case "enter", " ":
		return m.applyCursor()

	case "s":
		return m.toggleServer()

	case "r":
		return m, m.pollCmd()

	case "c":
		return m.copyConnectionURL()

	case "g":
		m.showLogs = !m.showLogs
		if m.showLogs {
			return m, m.fetchLogsCmd()
		}
		return m, nil

	// Settings toggles
	case "a":
		return m.toggle(settings.FieldAudio)
	case "e":
		return m.toggle(settings.FieldEncryption)
	case "w":
		return m.toggle(settings.FieldWebRTC)
	case "x":
		return m.toggle(settings.FieldHardwareAcceleration)
	case "z":
		return m.toggle(settings.FieldLowLatency)
	case "b":
		return m.toggle(settings.FieldAdaptiveBitrate)
	}

	return m, nil
}

// moveUp moves the cursor, flowing from codec to FPS to bitrate inside
// the settings box
func (m *model) moveUp() {
	switch m.activeColumn {
	case columnPresets:
		if m.presetCursor > 0 {
			m.presetCursor--
		}
	case columnBitrate:
		if m.bitrateCursor > 0 {
			m.bitrateCursor--
		}
	case columnFPS:
		if m.fpsCursor > 0 {
			m.fpsCursor--
		} else {
			m.activeColumn = columnBitrate
			m.bitrateCursor = len(settings.BitrateSteps) - 1
		}
	case columnCodec:
		if m.codecCursor > 0 {
			m.codecCursor--
		} else {
			m.activeColumn = columnFPS
			m.fpsCursor = len(settings.FPSSteps) - 1
		}
	case columnMonitors:
		if m.monitorCursor > 0 {
			m.monitorCursor--
		}
	}
}

func (m *model) moveDown() {
	switch m.activeColumn {
	case columnPresets:
		if m.presetCursor < len(m.rec.Presets())-1 {
			m.presetCursor++
		}
	case columnBitrate:
		if m.bitrateCursor < len(settings.BitrateSteps)-1 {
			m.bitrateCursor++
		} else {
			m.activeColumn = columnFPS
			m.fpsCursor = 0
		}
	case columnFPS:
		if m.fpsCursor < len(settings.FPSSteps)-1 {
			m.fpsCursor++
		} else {
			m.activeColumn = columnCodec
			m.codecCursor = 0
		}
	case columnCodec:
		if m.codecCursor < len(settings.Codecs)-1 {
			m.codecCursor++
		}
	case columnMonitors:
		if m.monitorCursor < len(m.status.Monitors)-1 {
			m.monitorCursor++
		}
	}
}

// applyCursor applies the item under the cursor in the active column
func (m model) applyCursor() (tea.Model, tea.Cmd) {
	var err error

	switch m.activeColumn {
	case columnPresets:
		presets := m.rec.Presets()
		if m.presetCursor < len(presets) {
			name := presets[m.presetCursor].Name
			if m.rec.ApplyPreset(name) {
				m.logger.Debug("preset applied", zap.String("preset", name))
				cfg := m.rec.Snapshot()
				m.bitrateCursor = settings.BitrateStepIndex(cfg.Bitrate)
				m.fpsCursor = settings.FPSIndexForValue(cfg.Framerate)
				m.codecCursor = settings.CodecIndex(cfg.Codec())
				m.activePreset = name
			}
		}
		return m, nil

	case columnBitrate:
		err = m.rec.SetField(settings.FieldBitrate, settings.BitrateSteps[m.bitrateCursor].Bitrate)
	case columnFPS:
		err = m.rec.SetField(settings.FieldFramerate, settings.FPSSteps[m.fpsCursor].Value)
	case columnCodec:
		err = m.rec.SelectCodec(settings.Codecs[m.codecCursor].Codec)
	case columnMonitors:
		if m.monitorCursor >= len(m.status.Monitors) {
			return m, nil
		}
		err = m.rec.SetField(settings.FieldSelectedMonitor, m.status.Monitors[m.monitorCursor].Index)
	}

	if err != nil {
		m.lastError = err.Error()
		return m, nil
	}
	m.activePreset = ""
	return m, nil
}

func (m model) toggle(field settings.Field) (tea.Model, tea.Cmd) {
	if err := m.rec.Toggle(field); err != nil {
		m.lastError = err.Error()
		return m, nil
	}
	m.activePreset = ""
	return m, nil
}

// stopsOnToggle reports whether s stops the server. After a failed stop
// the session is in error but may still be streaming, so s retries the stop.
func (m model) stopsOnToggle() bool {
	switch m.status.State.Phase {
	case session.PhaseRunning:
		return true
	case session.PhaseError:
		return m.stopFailed
	}
	return false
}

// toggleServer starts a stopped session or stops a running one
func (m model) toggleServer() (tea.Model, tea.Cmd) {
	if m.status.Busy {
		return m, nil
	}
	m.lastError = ""

	ctrl, ctx := m.ctrl, m.ctx
	if m.stopsOnToggle() {
		return m, func() tea.Msg {
			return actionDoneMsg{action: "stop", err: ctrl.Stop(ctx)}
		}
	}

	port, cfg := m.port, m.rec.Snapshot()
	m.logger.Debug("starting server", zap.Int("port", port), zap.String("codec", string(cfg.Codec())))
	return m, func() tea.Msg {
		return actionDoneMsg{action: "start", err: ctrl.Start(ctx, port, cfg)}
	}
}

func (m model) pollCmd() tea.Cmd {
	ctrl, ctx := m.ctrl, m.ctx
	return func() tea.Msg {
		return actionDoneMsg{action: "refresh", err: ctrl.Poll(ctx)}
	}
}

func (m model) fetchLogsCmd() tea.Cmd {
	ctrl, ctx := m.ctrl, m.ctx
	return func() tea.Msg {
		logs, err := ctrl.Logs(ctx)
		return logsMsg{logs: logs, err: err}
	}
}

func (m model) copyConnectionURL() (tea.Model, tea.Cmd) {
	url, err := m.ctrl.ConnectionURL(m.rec.Snapshot())
	if err != nil {
		m.lastError = err.Error()
		return m, nil
	}
	if err := clipboard.WriteAll(url); err != nil {
		m.lastError = "copy failed: " + err.Error()
		return m, nil
	}
	m.lastError = ""
	m.copyMessage = "Copied!"
	m.copyMsgTime = time.Now()
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	// Title
	b.WriteString(titleStyle.Render("CLEVER KVM"))
	b.WriteString(dimStyle.Render(" - Remote Desktop Server"))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n")

	b.WriteString(m.renderColumns())

	if m.showLogs {
		b.WriteString("\n")
		b.WriteString(inactiveBoxStyle.Render(boxTitleDimStyle.Render(" Backend Logs ") + "\n" + m.logs.View()))
	}

	// Error message
	if msg := m.errorMessage(); msg != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + msg))
		b.WriteString("\n")
	}

	// Help
	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return b.String()
}

// errorMessage prefers local errors over the controller's last error
func (m model) errorMessage() string {
	if m.lastError != "" {
		return m.lastError
	}
	return m.status.LastError
}

func (m model) renderStatus() string {
	var b strings.Builder
	st := m.status.State

	switch st.Phase {
	case session.PhaseRunning:
		b.WriteString(selectedStyle.Render("[RUNNING]"))
	case session.PhaseStarting, session.PhaseStopping:
		b.WriteString(statusStyle.Render("[" + strings.ToUpper(st.Phase.String()) + "]"))
	case session.PhaseError:
		b.WriteString(errorStyle.Render("[ERROR]"))
	default:
		b.WriteString(dimStyle.Render("[STOPPED]"))
	}
	if m.status.Busy {
		b.WriteString(" ")
		b.WriteString(m.spinner.View())
	}
	b.WriteString("  ")

	switch st.Phase {
	case session.PhaseRunning:
		b.WriteString(statusStyle.Render("URL: "))
		if url, err := m.ctrl.ConnectionURL(m.rec.Snapshot()); err == nil {
			b.WriteString(urlStyle.Render(url))
		} else {
			b.WriteString(urlStyle.Render(st.URL))
		}
		if m.copyMessage != "" {
			b.WriteString("  ")
			b.WriteString(selectedStyle.Render(m.copyMessage))
		}
	case session.PhaseStarting:
		b.WriteString(statusStyle.Render("Port: "))
		b.WriteString(normalStyle.Render(fmt.Sprintf("%d", st.Port)))
		b.WriteString("  ")
		b.WriteString(dimStyle.Render("please wait..."))
	case session.PhaseStopping:
		b.WriteString(dimStyle.Render("please wait..."))
	case session.PhaseError:
		b.WriteString(errorStyle.Render(st.Message))
	default:
		b.WriteString(dimStyle.Render(fmt.Sprintf("Press s to start on port %d", m.port)))
	}
	b.WriteString("\n")

	// A running session shows what it was started with
	cfg := m.rec.Snapshot()
	if st.Phase == session.PhaseRunning && m.status.SessionConfig != nil {
		cfg = *m.status.SessionConfig
	}
	b.WriteString(statusStyle.Render("Codec: "))
	b.WriteString(normalStyle.Render(settings.Codecs[settings.CodecIndex(cfg.Codec())].Name))
	b.WriteString(dimStyle.Render(" " + cfg.Codec().RTPMap()))
	b.WriteString("  ")
	b.WriteString(statusStyle.Render("Bitrate: "))
	b.WriteString(normalStyle.Render(settings.FormatBitrate(cfg.Bitrate)))
	b.WriteString("  ")
	b.WriteString(statusStyle.Render("FPS: "))
	b.WriteString(normalStyle.Render(fmt.Sprintf("%d", cfg.Framerate)))
	if m.activePreset != "" {
		b.WriteString("  ")
		b.WriteString(statusStyle.Render("Preset: "))
		b.WriteString(normalStyle.Render(m.activePreset))
	}
	b.WriteString("\n")

	return b.String()
}

func (m model) renderColumns() string {
	presetsContent := m.renderPresetList()
	rightPanelContent := m.renderBitrateList() + "\n\n" + m.renderFPSList() + "\n\n" + m.renderCodecList()
	monitorsContent := m.renderMonitorList()

	isSettingsActive := m.activeColumn == columnBitrate || m.activeColumn == columnFPS || m.activeColumn == columnCodec

	presetsBox := renderBox(" Presets ", presetsContent, 34, m.activeColumn == columnPresets)
	settingsBox := renderBox(" Settings ", rightPanelContent, 28, isSettingsActive)
	monitorsBox := renderBox(" Monitors ", monitorsContent, 36, m.activeColumn == columnMonitors)

	return lipgloss.JoinHorizontal(lipgloss.Top, presetsBox, " ", settingsBox, " ", monitorsBox)
}

func renderBox(title, content string, width int, active bool) string {
	if active {
		return activeBoxStyle.Width(width).Render(boxTitleStyle.Render(title) + "\n" + content)
	}
	return inactiveBoxStyle.Width(width).Render(boxTitleDimStyle.Render(title) + "\n" + content)
}

// renderItem styles one list line: selected, under the cursor, or idle
func renderItem(label string, cursorHere, selected bool) string {
	cursor := "  "
	if cursorHere {
		cursor = "> "
	}
	switch {
	case selected:
		return selectedStyle.Render(cursor + label)
	case cursorHere:
		return normalStyle.Render(cursor + label)
	default:
		return dimStyle.Render(cursor + label)
	}
}

func (m model) renderPresetList() string {
	var b strings.Builder

	for i, p := range m.rec.Presets() {
		label := fmt.Sprintf("%s (%s)", p.Name, p.Description)
		b.WriteString(renderItem(label, m.activeColumn == columnPresets && i == m.presetCursor, p.Name == m.activePreset))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m model) renderBitrateList() string {
	var b strings.Builder
	selected := settings.BitrateStepIndex(m.rec.Snapshot().Bitrate)

	b.WriteString(dimStyle.Render("--- Bitrate ---"))
	b.WriteString("\n")

	for i, step := range settings.BitrateSteps {
		label := fmt.Sprintf("%s (%s)", step.Name, step.Description)
		b.WriteString(renderItem(label, m.activeColumn == columnBitrate && i == m.bitrateCursor, i == selected))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m model) renderFPSList() string {
	var b strings.Builder
	framerate := m.rec.Snapshot().Framerate

	b.WriteString(dimStyle.Render("--- FPS ---"))
	b.WriteString("\n")

	for i, step := range settings.FPSSteps {
		label := fmt.Sprintf("%s (%s)", step.Name, step.Description)
		b.WriteString(renderItem(label, m.activeColumn == columnFPS && i == m.fpsCursor, step.Value == framerate))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m model) renderCodecList() string {
	var b strings.Builder
	codec := m.rec.Snapshot().Codec()

	b.WriteString(dimStyle.Render("--- Codec ---"))
	b.WriteString("\n")

	for i, info := range settings.Codecs {
		label := fmt.Sprintf("%s (%s)", info.Name, info.Description)
		b.WriteString(renderItem(label, m.activeColumn == columnCodec && i == m.codecCursor, info.Codec == codec))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m model) renderMonitorList() string {
	if len(m.status.Monitors) == 0 {
		return dimStyle.Render("  no displays reported")
	}

	var b strings.Builder
	selected := m.rec.Snapshot().SelectedMonitor

	for i, mon := range m.status.Monitors {
		label := truncate(mon.DisplayName(), 32)
		line := renderItem(label, m.activeColumn == columnMonitors && i == m.monitorCursor, mon.Index == selected)
		if mon.Index == selected && m.activeColumn != columnMonitors {
			line = monitorStyle.Render("  " + label)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func renderLogs(logs backend.Logs) string {
	var b strings.Builder
	if logs.Error != "" {
		b.WriteString(errorStyle.Render(strings.TrimRight(logs.Error, "\n")))
		b.WriteString("\n")
	}
	b.WriteString(strings.TrimRight(logs.Debug, "\n"))
	if b.Len() == 0 {
		return dimStyle.Render("no log output")
	}
	return b.String()
}

func (m model) renderHelp() string {
	var b strings.Builder
	sep := keySepStyle.Render("  ")
	running := m.status.State.Phase == session.PhaseRunning

	// Line 1: actions
	var actions []string

	actions = append(actions, keyStyle.Render("tab")+helpStyle.Render(" columns"))
	actions = append(actions, keyStyle.Render("↑↓")+helpStyle.Render(" select"))
	actions = append(actions, keyStyle.Render("enter")+helpStyle.Render(" apply"))

	if running {
		actions = append(actions, keyStyle.Render("s")+helpStyle.Render(" stop"))
		actions = append(actions, keyStyle.Render("c")+helpStyle.Render(" copy"))
	} else if m.stopsOnToggle() {
		actions = append(actions, keyStyle.Render("s")+helpStyle.Render(" retry stop"))
	} else {
		actions = append(actions, keyStyle.Render("s")+helpStyle.Render(" start"))
	}

	actions = append(actions, keyStyle.Render("r")+helpStyle.Render(" refresh"))
	actions = append(actions, keyStyle.Render("g")+helpStyle.Render(" logs"))
	actions = append(actions, keyStyle.Render("q")+helpStyle.Render(" quit"))

	b.WriteString(strings.Join(actions, sep))

	// Line 2: toggles with state indicators
	cfg := m.rec.Snapshot()
	toggles := []string{
		m.renderToggle("a", "audio", cfg.Audio),
		m.renderToggle("e", "encryption", cfg.Encryption),
		m.renderToggle("w", "webrtc", cfg.WebRTC),
		m.renderToggle("x", "hw accel", cfg.HardwareAcceleration),
		m.renderToggle("z", "low latency", cfg.LowLatency),
		m.renderToggle("b", "adaptive", cfg.AdaptiveBitrate),
	}

	b.WriteString("\n\n")
	b.WriteString(strings.Join(toggles, "   "))

	if running {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("settings apply on next start"))
	}

	return b.String()
}

// renderToggle renders a toggle keybind with active/inactive indicator
func (m model) renderToggle(key, label string, active bool) string {
	if active {
		return toggleActiveStyle.Render("● "+key) + " " + toggleActiveStyle.Render(label)
	}
	return toggleInactiveStyle.Render("○ "+key) + " " + toggleInactiveStyle.Render(label)
}

// truncate shortens s to maxLen terminal cells
func truncate(s string, maxLen int) string {
	return ansi.Truncate(s, maxLen, "...")
}

// RunTUI runs the terminal UI alongside the controller loop until the
// user quits or ctx is cancelled
func RunTUI(ctx context.Context, a *app) error {
	defer a.client.Close()

	if err := a.ensureBackend(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.ctrl.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		p := tea.NewProgram(
			newModel(gctx, a.ctrl, a.rec, a.cfg.Server.Port, a.logger),
			tea.WithAltScreen(),
			tea.WithContext(gctx),
		)
		_, err := p.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	})

	return g.Wait()
}
