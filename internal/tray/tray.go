package tray

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/getlantern/systray"
	"github.com/petems/sidekick/internal/backend"
	"github.com/petems/sidekick/internal/coach"
	"github.com/petems/sidekick/internal/logging"
	"github.com/rs/zerolog"
)

const (
	maxScenarios  = 16
	maxTranscript = 40
	maxHistory    = 10
	actionTimeout = 30 * time.Second
)

// Controller is the session controller the menu drives.
type Controller interface {
	LoadScenarios(ctx context.Context) ([]string, error)
	SelectScenario(name string) error
	ShareAudio(ctx context.Context) error
	Skip(ctx context.Context, remember bool) error
	TogglePause() error
	CyclePersonality() (coach.Personality, error)
	End() error
	SubmitOutcome(ctx context.Context, o backend.Outcome) error
	SkipOutcome() error
	SwapSpeaker(ctx context.Context, index int) error
	History(ctx context.Context) ([]backend.SessionRecord, error)
	Close() error
	Reset()
	View() coach.View
}

type UI struct {
	ctrl    Controller
	version string
	commit  string
	log     zerolog.Logger

	// copyText writes to the system clipboard.
	copyText func(string) error

	mu    sync.Mutex
	ready bool
	last  coach.View

	mStatus      *systray.MenuItem
	mAdvice      *systray.MenuItem
	mScenarios   *systray.MenuItem
	scenarioSlot []*systray.MenuItem
	mShare       *systray.MenuItem
	mSkip        *systray.MenuItem
	mSkipAlways  *systray.MenuItem
	mPause       *systray.MenuItem
	mPersonality *systray.MenuItem
	mEnd         *systray.MenuItem
	mOutcome     *systray.MenuItem
	mWon         *systray.MenuItem
	mLost        *systray.MenuItem
	mDeferred    *systray.MenuItem
	mSkipOutcome *systray.MenuItem
	mTranscript  *systray.MenuItem
	lineSlot     []*systray.MenuItem
	mCopyAdvice  *systray.MenuItem
	mCopySummary *systray.MenuItem
	mClose       *systray.MenuItem
	mReset       *systray.MenuItem
	mRefresh     *systray.MenuItem
	historySlot  []*systray.MenuItem
}

func New(ctrl Controller, version, commit string, log zerolog.Logger) *UI {
	return &UI{
		ctrl:     ctrl,
		version:  version,
		commit:   commit,
		log:      log,
		copyText: clipboard.WriteAll,
	}
}

// SetController sets the controller (for circular dependency resolution)
func (u *UI) SetController(ctrl Controller) {
	u.ctrl = ctrl
}

func (u *UI) Run(ctx context.Context) error {
	systray.Run(func() { u.onReady(ctx) }, u.onExit)
	return nil
}

func (u *UI) onReady(ctx context.Context) {
	systray.SetTitle(titleFor(coach.View{}))
	systray.SetTooltip("Live negotiation coach")

	u.mStatus = systray.AddMenuItem("Not connected", "Session status")
	u.mStatus.Disable()
	u.mAdvice = systray.AddMenuItem("", "Latest advice")
	u.mAdvice.Disable()
	u.mAdvice.Hide()
	systray.AddSeparator()

	u.mScenarios = systray.AddMenuItem("Scenario", "Choose the negotiation type")
	for i := 0; i < maxScenarios; i++ {
		item := u.mScenarios.AddSubMenuItem("", "")
		item.Hide()
		u.scenarioSlot = append(u.scenarioSlot, item)
		go u.onSlot(item, i, u.selectScenario)
	}
	u.mShare = systray.AddMenuItem("Start with system audio", "Capture microphone and system audio")
	u.mSkip = systray.AddMenuItem("Start mic only", "Capture the microphone only")
	u.mSkipAlways = systray.AddMenuItem("Always mic only", "Start mic only and remember the choice")
	systray.AddSeparator()

	u.mPause = systray.AddMenuItem("Pause listening", "Toggle listening")
	u.mPersonality = systray.AddMenuItem("Personality", "Cycle the coaching personality")
	u.mEnd = systray.AddMenuItem("End session", "Stop coaching and record the outcome")
	systray.AddSeparator()

	u.mOutcome = systray.AddMenuItem("Record outcome", "How did it go?")
	u.mWon = u.mOutcome.AddSubMenuItem("Won", "")
	u.mLost = u.mOutcome.AddSubMenuItem("Lost", "")
	u.mDeferred = u.mOutcome.AddSubMenuItem("Deferred", "")
	u.mSkipOutcome = systray.AddMenuItem("Skip outcome", "Discard this session")

	u.mTranscript = systray.AddMenuItem("Transcript", "Click a line to swap its speaker")
	for i := 0; i < maxTranscript; i++ {
		item := u.mTranscript.AddSubMenuItem("", "")
		item.Hide()
		u.lineSlot = append(u.lineSlot, item)
		go u.onSlot(item, i, u.swapSpeaker)
	}
	u.mCopyAdvice = systray.AddMenuItem("Copy advice", "Copy the current advice")
	u.mCopySummary = systray.AddMenuItem("Copy summary", "Copy the session summary")
	u.mClose = systray.AddMenuItem("Close summary", "Return to scenario selection")
	u.mReset = systray.AddMenuItem("Reset", "Tear down and start over")

	systray.AddSeparator()
	mHistory := systray.AddMenuItem("Recent sessions", "Past sessions and scores")
	u.mRefresh = mHistory.AddSubMenuItem("Refresh", "Reload session history")
	for i := 0; i < maxHistory; i++ {
		item := mHistory.AddSubMenuItem("", "")
		item.Disable()
		item.Hide()
		u.historySlot = append(u.historySlot, item)
	}
	mLogs := systray.AddMenuItem("Open Logs", "View application logs")
	mAbout := systray.AddMenuItem("About", "About Sidekick")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	u.mu.Lock()
	u.ready = true
	u.mu.Unlock()

	go u.handleEvents(ctx, mLogs, mAbout, mQuit)
	go func() {
		if _, err := u.ctrl.LoadScenarios(ctx); err != nil {
			u.log.Error().Err(err).Msg("Failed to load scenarios")
		}
	}()
	u.Render(u.ctrl.View())
}

func (u *UI) onSlot(item *systray.MenuItem, index int, fn func(int)) {
	for range item.ClickedCh {
		fn(index)
	}
}

func (u *UI) handleEvents(ctx context.Context, mLogs, mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.mShare.ClickedCh:
			go u.run("share audio", func(ctx context.Context) error { return u.ctrl.ShareAudio(ctx) })
		case <-u.mSkip.ClickedCh:
			go u.run("skip", func(ctx context.Context) error { return u.ctrl.Skip(ctx, false) })
		case <-u.mSkipAlways.ClickedCh:
			go u.run("skip", func(ctx context.Context) error { return u.ctrl.Skip(ctx, true) })
		case <-u.mPause.ClickedCh:
			u.report("pause", u.ctrl.TogglePause())
		case <-u.mPersonality.ClickedCh:
			_, err := u.ctrl.CyclePersonality()
			u.report("personality", err)
		case <-u.mEnd.ClickedCh:
			u.report("end", u.ctrl.End())
		case <-u.mWon.ClickedCh:
			go u.submit(backend.ResultWon)
		case <-u.mLost.ClickedCh:
			go u.submit(backend.ResultLost)
		case <-u.mDeferred.ClickedCh:
			go u.submit(backend.ResultDeferred)
		case <-u.mSkipOutcome.ClickedCh:
			u.report("skip outcome", u.ctrl.SkipOutcome())
		case <-u.mCopyAdvice.ClickedCh:
			u.copyAdvice()
		case <-u.mCopySummary.ClickedCh:
			u.copySummary()
		case <-u.mClose.ClickedCh:
			u.report("close", u.ctrl.Close())
		case <-u.mRefresh.ClickedCh:
			go u.refreshHistory()
		case <-u.mReset.ClickedCh:
			u.ctrl.Reset()
			go func() { _, _ = u.ctrl.LoadScenarios(ctx) }()
		case <-mLogs.ClickedCh:
			u.openLogs()
		case <-mAbout.ClickedCh:
			u.showAbout()
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (u *UI) run(op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	u.report(op, fn(ctx))
}

func (u *UI) report(op string, err error) {
	if err != nil {
		u.log.Warn().Err(err).Str("action", op).Msg("Tray action failed")
	}
}

func (u *UI) selectScenario(index int) {
	v := u.ctrl.View()
	if index >= len(v.Scenarios) {
		return
	}
	u.report("select scenario", u.ctrl.SelectScenario(v.Scenarios[index]))
}

func (u *UI) submit(result string) {
	u.run("submit outcome", func(ctx context.Context) error {
		return u.ctrl.SubmitOutcome(ctx, backend.Outcome{Result: result, Confidence: 3})
	})
}

func (u *UI) swapSpeaker(index int) {
	u.run("swap speaker", func(ctx context.Context) error { return u.ctrl.SwapSpeaker(ctx, index) })
}

func (u *UI) refreshHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	records, err := u.ctrl.History(ctx)
	if err != nil {
		u.report("history", err)
		return
	}
	if len(records) > maxHistory {
		records = records[:maxHistory]
	}
	fillSlots(u.historySlot, records, func(i int, r backend.SessionRecord) (string, bool) {
		return historyLabel(r), false
	})
}

func (u *UI) copyAdvice() {
	v := u.ctrl.View()
	if v.Advice == nil {
		return
	}
	if err := u.copyText(v.Advice.Content); err != nil {
		u.log.Error().Err(err).Msg("Failed to copy advice")
	}
}

func (u *UI) copySummary() {
	v := u.ctrl.View()
	if v.Summary == nil {
		return
	}
	if err := u.copyText(FormatSummary(*v.Summary)); err != nil {
		u.log.Error().Err(err).Msg("Failed to copy summary")
	}
}

func (u *UI) openLogs() {
	path := logging.Path()
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		u.log.Error().Err(err).Str("path", path).Msg("Failed to open logs")
		return
	}
	go func() { _ = cmd.Wait() }()
}

func (u *UI) showAbout() {
	u.log.Info().Str("version", u.version).Str("commit", u.commit).Msg("Sidekick, live negotiation coach")
}

func (u *UI) onExit() {
	// Cleanup
}

// Render updates the tray from a controller snapshot.
func (u *UI) Render(v coach.View) {
	u.mu.Lock()
	defer u.mu.Unlock()
	prev := u.last
	u.last = v
	if !u.ready {
		return
	}

	systray.SetTitle(titleFor(v))
	u.mStatus.SetTitle(statusLine(v))

	if v.Advice != nil {
		u.mAdvice.SetTitle("💡 " + truncate(firstLine(v.Advice.Content), 60))
		u.mAdvice.SetTooltip(v.Advice.Content)
		u.mAdvice.Show()
		systray.SetTooltip(v.Advice.Content)
	} else {
		u.mAdvice.Hide()
		systray.SetTooltip("Live negotiation coach")
	}

	st := menuFor(v)
	setEnabled(u.mScenarios, st.selectScenario)
	setEnabled(u.mShare, st.start)
	setEnabled(u.mSkip, st.start)
	setEnabled(u.mSkipAlways, st.start)
	setEnabled(u.mPause, st.live)
	setEnabled(u.mEnd, st.live)
	setEnabled(u.mOutcome, st.outcome)
	setEnabled(u.mSkipOutcome, st.outcome)
	setEnabled(u.mTranscript, st.summary)
	setEnabled(u.mCopySummary, st.summary)
	setEnabled(u.mClose, st.summary)
	setEnabled(u.mCopyAdvice, v.Advice != nil)
	setEnabled(u.mReset, v.Phase != coach.PhaseInit)

	u.mPersonality.SetTitle("Personality: " + string(v.Personality))
	if v.Status == coach.StatusPaused {
		u.mPause.SetTitle("Resume listening")
	} else {
		u.mPause.SetTitle("Pause listening")
	}

	if !slices.Equal(prev.Scenarios, v.Scenarios) || prev.Scenario != v.Scenario {
		fillSlots(u.scenarioSlot, v.Scenarios, func(i int, s string) (string, bool) {
			return s, s == v.Scenario
		})
	}
	var lines []backend.TranscriptLine
	if v.Summary != nil {
		lines = v.Summary.Transcripts
	}
	fillSlots(u.lineSlot, lines, func(i int, l backend.TranscriptLine) (string, bool) {
		return transcriptLabel(l), false
	})
}

func setEnabled(item *systray.MenuItem, on bool) {
	if on {
		item.Enable()
	} else {
		item.Disable()
	}
}

func fillSlots[T any](slots []*systray.MenuItem, values []T, label func(int, T) (string, bool)) {
	for i, item := range slots {
		if i >= len(values) {
			item.Hide()
			continue
		}
		title, checked := label(i, values[i])
		item.SetTitle(title)
		if checked {
			item.Check()
		} else {
			item.Uncheck()
		}
		item.Show()
	}
}

// menuState is which groups of menu actions apply to a view.
type menuState struct {
	selectScenario bool
	start          bool
	live           bool
	outcome        bool
	summary        bool
}

func menuFor(v coach.View) menuState {
	return menuState{
		selectScenario: v.Phase == coach.PhaseInit,
		start:          v.Phase == coach.PhasePreflightDone,
		live:           v.Phase == coach.PhaseConnected,
		outcome:        v.Phase == coach.PhaseOutcomeCapture,
		summary:        v.Phase == coach.PhaseSummaryDisplay,
	}
}

// titleFor renders the menu bar title with a status indicator
func titleFor(v coach.View) string {
	title := fmt.Sprintf("🎧 %s", emojiForStatus(v.Status))
	if v.Status == coach.StatusConnected || v.Status == coach.StatusPaused {
		if !v.HasSystemAudio {
			title += " mic"
		}
	}
	return title
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status coach.Status) string {
	switch status {
	case coach.StatusConnected:
		return "🟢" // Green - listening
	case coach.StatusPaused:
		return "⏸️" // Paused
	case coach.StatusConnecting:
		return "🟡" // Yellow - connecting or connection lost
	case coach.StatusError:
		return "🔴" // Red - failed to connect
	default:
		return "⚪️" // White - no session
	}
}

func statusLine(v coach.View) string {
	switch v.Phase {
	case coach.PhaseInit:
		return "Choose a scenario"
	case coach.PhasePreflightDone:
		return "Scenario: " + v.Scenario
	case coach.PhaseConnecting:
		return "Connecting…"
	case coach.PhaseConnected:
		s := string(v.Status)
		if s != "" {
			s = strings.ToUpper(s[:1]) + s[1:]
		}
		if v.SessionID != "" {
			s += " · " + v.SessionID
		}
		return s
	case coach.PhaseOutcomeCapture:
		if v.Alert != "" {
			return v.Alert
		}
		return "Session ended, record the outcome"
	case coach.PhaseSummaryDisplay:
		if v.Alert != "" {
			return v.Alert
		}
		return "Summary ready"
	case coach.PhaseFailed:
		if v.Alert != "" {
			return v.Alert
		}
		return "Connection failed, reset to retry"
	default:
		return v.Phase.String()
	}
}

func transcriptLabel(l backend.TranscriptLine) string {
	return fmt.Sprintf("[%s] %s", l.Speaker, truncate(l.Text, 50))
}

func historyLabel(r backend.SessionRecord) string {
	label := r.NegotiationType
	if label == "" {
		label = "Session"
	}
	if day, _, ok := strings.Cut(r.Timestamp, "T"); ok {
		label = day + " " + label
	}
	if r.NegotiationScore != nil {
		label += fmt.Sprintf(" · %.0f", *r.NegotiationScore)
	}
	if r.Outcome != nil {
		label += " · " + r.Outcome.Result
	}
	return label
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// FormatSummary renders a summary as plain text for the clipboard.
func FormatSummary(s backend.Summary) string {
	if s.Error != "" {
		return "Summary unavailable: " + s.Error
	}

	var b strings.Builder
	if s.NegotiationScore != nil {
		fmt.Fprintf(&b, "Score: %.0f/100\n", *s.NegotiationScore)
	}
	section := func(title, body string) {
		if body != "" {
			fmt.Fprintf(&b, "%s: %s\n", title, body)
		}
	}
	section("Strong move", s.StrongMove)
	section("Missed opportunity", s.MissedOpportunity)
	section("Improvement tip", s.ImprovementTip)
	if len(s.TacticsFaced) > 0 {
		fmt.Fprintf(&b, "Tactics faced: %s\n", strings.Join(s.TacticsFaced, ", "))
	}
	if len(s.KeyMoments) > 0 {
		b.WriteString("Key moments:\n")
		for _, m := range s.KeyMoments {
			fmt.Fprintf(&b, "  %q: %s\n", m.Quote, m.Insight)
		}
	}
	if len(s.ExpandedInsights) > 0 {
		b.WriteString("Insights:\n")
		for _, in := range s.ExpandedInsights {
			fmt.Fprintf(&b, "  - %s\n", in)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
