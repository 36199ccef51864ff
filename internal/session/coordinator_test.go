package session

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type fakeOutbound struct {
	ready, unready, start, end, syncs int
	startMinutes                      int
	lastSyncEstimate                  int
	fail                              error
}

func (f *fakeOutbound) SendReady() error   { f.ready++; return f.fail }
func (f *fakeOutbound) SendUnready() error { f.unready++; return f.fail }
func (f *fakeOutbound) SendStart(minutes int) error {
	f.start++
	f.startMinutes = minutes
	return f.fail
}
func (f *fakeOutbound) SendManualEnd() error { f.end++; return f.fail }
func (f *fakeOutbound) SendTimerSyncRequest(estimate int) error {
	f.syncs++
	f.lastSyncEstimate = estimate
	return f.fail
}

type fakeCountdown struct {
	started, stopped int
	startSeconds     int
	synced           []int
	remaining        int
}

func (f *fakeCountdown) Start(seconds int) {
	f.started++
	f.startSeconds = seconds
	f.remaining = seconds
}
func (f *fakeCountdown) Stop()                { f.stopped++ }
func (f *fakeCountdown) SyncFromServer(s int) { f.synced = append(f.synced, s) }
func (f *fakeCountdown) Remaining() int       { return f.remaining }

type fakePresence struct {
	present, ready bool
}

func (f *fakePresence) PartnerPresent() bool { return f.present }
func (f *fakePresence) PartnerReady() bool   { return f.ready }

type fakeEvaluator struct {
	results []Result
}

func (f *fakeEvaluator) BeginEvaluation(r Result) { f.results = append(f.results, r) }

type harness struct {
	c    *Coordinator
	out  *fakeOutbound
	cd   *fakeCountdown
	pres *fakePresence
	eval *fakeEvaluator
}

func newHarness(t *testing.T, role Role) *harness {
	t.Helper()
	h := &harness{
		out:  &fakeOutbound{},
		cd:   &fakeCountdown{},
		pres: &fakePresence{},
		eval: &fakeEvaluator{},
	}
	id := Identity{
		SessionID:   "sess-1",
		StationID:   "station-3",
		UserID:      "user-a",
		DisplayName: "Ana",
		Role:        role,
	}
	h.c = New(id, Options{
		Mode:      RemoteSession,
		Outbound:  h.out,
		Clock:     h.cd,
		Presence:  h.pres,
		Evaluator: h.eval,
		Logger:    zerolog.Nop(),
		Wallclock: clockwork.NewFakeClock(),
	})
	return h
}

func (h *harness) connectAndReadyBoth(t *testing.T) {
	t.Helper()
	h.c.HandleConnected()
	h.pres.present = true
	h.pres.ready = true
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() error = %v", err)
	}
	h.c.HandleRemoteReady()
}

func TestMarkSelfReadyRequiresConnection(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	if err := h.c.MarkSelfReady(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("MarkSelfReady() error = %v, want ErrNotConnected", err)
	}
	h.c.HandleConnected()
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() after connect error = %v", err)
	}
	if h.out.ready != 1 {
		t.Fatalf("ready messages sent = %d, want 1", h.out.ready)
	}
}

func TestExaminerReadyGatedOnCandidate(t *testing.T) {
	h := newHarness(t, RoleActor)
	h.c.HandleConnected()
	h.pres.present = true
	h.pres.ready = false
	if err := h.c.MarkSelfReady(); !errors.Is(err, ErrCandidateNotReady) {
		t.Fatalf("MarkSelfReady() error = %v, want ErrCandidateNotReady", err)
	}
	h.pres.ready = true
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() with ready candidate error = %v", err)
	}
}

func TestReadyToggleRetracts(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	h.c.HandleConnected()
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() error = %v", err)
	}
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() retract error = %v", err)
	}
	if h.out.ready != 1 || h.out.unready != 1 {
		t.Fatalf("messages sent ready=%d unready=%d, want 1 and 1", h.out.ready, h.out.unready)
	}
	if h.c.Snapshot().Readiness.SelfReady {
		t.Fatal("SelfReady still true after retraction")
	}
}

func TestActivationIsMonotonic(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	h.connectAndReadyBoth(t)
	if !h.c.Activated() {
		t.Fatal("Activated() = false after both sides ready")
	}

	// Retracting readiness afterwards must not deactivate.
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() retract error = %v", err)
	}
	if !h.c.Activated() {
		t.Fatal("Activated() = false after readiness retraction, want monotonic true")
	}
	h.pres.ready = false
	h.c.HandleRemoteReady()
	if !h.c.Activated() {
		t.Fatal("Activated() = false after partner unready, want monotonic true")
	}
}

func TestRequestStartPreconditionOrder(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	if err := h.c.RequestStart(10); !errors.Is(err, ErrRoleNotAllowed) {
		t.Fatalf("RequestStart() as candidate error = %v, want ErrRoleNotAllowed", err)
	}

	h = newHarness(t, RoleEvaluator)
	if err := h.c.RequestStart(10); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("RequestStart() disconnected error = %v, want ErrNotConnected", err)
	}
	h.c.HandleConnected()
	if err := h.c.RequestStart(10); !errors.Is(err, ErrNotActivated) {
		t.Fatalf("RequestStart() unactivated error = %v, want ErrNotActivated", err)
	}

	h.connectAndReadyBoth(t)
	h.pres.ready = false
	if err := h.c.RequestStart(10); !errors.Is(err, ErrPartnersNotReady) {
		t.Fatalf("RequestStart() with unready partner error = %v, want ErrPartnersNotReady", err)
	}
	h.pres.ready = true
	if err := h.c.RequestStart(10); err != nil {
		t.Fatalf("RequestStart() error = %v", err)
	}
	if h.out.start != 1 || h.out.startMinutes != 10 {
		t.Fatalf("start messages = %d minutes = %d, want 1 and 10", h.out.start, h.out.startMinutes)
	}
	// Running begins on the hub echo, not on the request.
	if got := h.c.Run(); got != RunNotStarted {
		t.Fatalf("Run() = %v before hub echo, want not_started", got)
	}
	h.c.HandleRemoteStart(600)
	if got := h.c.Run(); got != RunRunning {
		t.Fatalf("Run() = %v after hub echo, want running", got)
	}
	if h.cd.startSeconds != 600 {
		t.Fatalf("clock started with %d seconds, want 600", h.cd.startSeconds)
	}
}

func TestRemoteStartBeforeActivationDropped(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	h.c.HandleConnected()
	h.c.HandleRemoteStart(600)
	if got := h.c.Run(); got != RunNotStarted {
		t.Fatalf("Run() = %v after premature start, want not_started", got)
	}
	if h.cd.started != 0 {
		t.Fatalf("clock started %d times, want 0", h.cd.started)
	}
}

func TestRemoteStartIdempotent(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	h.connectAndReadyBoth(t)
	h.c.HandleRemoteStart(600)
	h.c.HandleRemoteStart(600)
	if h.cd.started != 1 {
		t.Fatalf("clock started %d times, want 1", h.cd.started)
	}
}

func TestManualEndIsOptimisticAndTerminal(t *testing.T) {
	h := newHarness(t, RoleActor)
	h.connectAndReadyBoth(t)
	h.c.HandleRemoteStart(600)
	h.cd.remaining = 312

	if err := h.c.RequestManualEnd(); err != nil {
		t.Fatalf("RequestManualEnd() error = %v", err)
	}
	if got := h.c.Run(); got != RunEndedManual {
		t.Fatalf("Run() = %v, want ended_manual", got)
	}
	if h.cd.stopped != 1 {
		t.Fatalf("clock stopped %d times, want 1", h.cd.stopped)
	}
	if len(h.eval.results) != 1 {
		t.Fatalf("evaluations = %d, want 1", len(h.eval.results))
	}
	if r := h.eval.results[0]; r.Run != RunEndedManual || r.RemainingSeconds != 312 {
		t.Fatalf("evaluation result = %+v, want ended_manual with 312s remaining", r)
	}

	if err := h.c.RequestManualEnd(); !errors.Is(err, ErrAlreadyEnded) {
		t.Fatalf("RequestManualEnd() twice error = %v, want ErrAlreadyEnded", err)
	}
}

func TestManualEndKeepsLocalStateOnSendFailure(t *testing.T) {
	h := newHarness(t, RoleEvaluator)
	h.connectAndReadyBoth(t)
	h.c.HandleRemoteStart(600)
	h.out.fail = errors.New("socket gone")

	if err := h.c.RequestManualEnd(); err != nil {
		t.Fatalf("RequestManualEnd() error = %v, want nil despite send failure", err)
	}
	if got := h.c.Run(); got != RunEndedManual {
		t.Fatalf("Run() = %v, want ended_manual", got)
	}
}

func TestCandidateCannotControl(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	h.connectAndReadyBoth(t)
	h.c.HandleRemoteStart(600)
	if err := h.c.RequestManualEnd(); !errors.Is(err, ErrRoleNotAllowed) {
		t.Fatalf("RequestManualEnd() as candidate error = %v, want ErrRoleNotAllowed", err)
	}
}

func TestNaturalEndOnceOnly(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	h.connectAndReadyBoth(t)
	h.c.HandleRemoteStart(600)
	h.cd.remaining = 0

	h.c.HandleTimerEnded()
	h.c.HandleTimerEnded() // redundant hub echo
	if got := h.c.Run(); got != RunEndedNatural {
		t.Fatalf("Run() = %v, want ended_natural", got)
	}
	if len(h.eval.results) != 1 {
		t.Fatalf("evaluations = %d, want 1", len(h.eval.results))
	}
}

func TestTerminalStateRejectsRestart(t *testing.T) {
	h := newHarness(t, RoleActor)
	h.connectAndReadyBoth(t)
	h.c.HandleRemoteStart(600)
	h.c.HandleTimerEnded()

	if err := h.c.RequestStart(10); !errors.Is(err, ErrAlreadyEnded) {
		t.Fatalf("RequestStart() after end error = %v, want ErrAlreadyEnded", err)
	}
	h.c.HandleRemoteStart(600)
	if got := h.c.Run(); got != RunEndedNatural {
		t.Fatalf("Run() = %v after post-end start event, want ended_natural", got)
	}
}

func TestTimerTickForwardedWhileRunning(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	h.connectAndReadyBoth(t)
	h.c.HandleRemoteStart(600)

	h.c.HandleRemoteTimerTick(597)
	if len(h.cd.synced) != 1 || h.cd.synced[0] != 597 {
		t.Fatalf("synced values = %v, want [597]", h.cd.synced)
	}

	h.c.HandleTimerEnded()
	h.c.HandleRemoteTimerTick(5)
	if len(h.cd.synced) != 1 {
		t.Fatalf("synced values after end = %v, want unchanged", h.cd.synced)
	}
}

func TestPartnerLossMidRunKeepsRunning(t *testing.T) {
	for _, role := range []Role{RoleCandidate, RoleActor} {
		h := newHarness(t, role)
		h.connectAndReadyBoth(t)
		h.c.HandleRemoteStart(600)

		h.pres.present = false
		h.pres.ready = false
		h.c.HandlePartnerLost()

		if got := h.c.Run(); got != RunRunning {
			t.Fatalf("role %s: Run() = %v after partner loss, want running", role, got)
		}
		if h.cd.stopped != 0 {
			t.Fatalf("role %s: clock stopped %d times, want 0", role, h.cd.stopped)
		}
	}
}

func TestPartnerLossBeforeStartResetsReadiness(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	h.connectAndReadyBoth(t)

	h.pres.present = false
	h.pres.ready = false
	h.c.HandlePartnerLost()

	snap := h.c.Snapshot()
	if snap.Readiness.SelfReady {
		t.Fatal("SelfReady still true after pre-start partner loss")
	}
	if !snap.BackendActivated {
		t.Fatal("BackendActivated cleared by partner loss, want monotonic true")
	}
}

func TestDisconnectBeforeStartClearsReady(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	h.c.HandleConnected()
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() error = %v", err)
	}
	h.c.HandleDisconnected()
	if h.c.Snapshot().Readiness.SelfReady {
		t.Fatal("SelfReady survived a pre-start disconnect")
	}
	if err := h.c.MarkSelfReady(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("MarkSelfReady() while disconnected error = %v, want ErrNotConnected", err)
	}
}

func TestReadinessFrozenWhileRunning(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	h.connectAndReadyBoth(t)
	h.c.HandleRemoteStart(600)
	if err := h.c.MarkSelfReady(); !errors.Is(err, ErrReadinessFrozen) {
		t.Fatalf("MarkSelfReady() while running error = %v, want ErrReadinessFrozen", err)
	}
}

func TestLocalOnlySessionSkipsPartnerAndWire(t *testing.T) {
	cd := &fakeCountdown{}
	eval := &fakeEvaluator{}
	id := Identity{SessionID: "solo", UserID: "u", Role: RoleActor}
	c := New(id, Options{
		Mode:      LocalOnlySession,
		Clock:     cd,
		Evaluator: eval,
		Logger:    zerolog.Nop(),
		Wallclock: clockwork.NewFakeClock(),
	})

	if err := c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() error = %v", err)
	}
	if !c.Activated() {
		t.Fatal("Activated() = false in local-only session after self ready")
	}
	if err := c.RequestStart(5); err != nil {
		t.Fatalf("RequestStart() error = %v", err)
	}
	if got := c.Run(); got != RunRunning {
		t.Fatalf("Run() = %v, want running", got)
	}
	if cd.startSeconds != 300 {
		t.Fatalf("clock started with %d seconds, want 300", cd.startSeconds)
	}
	c.HandleTimerEnded()
	if len(eval.results) != 1 {
		t.Fatalf("evaluations = %d, want 1", len(eval.results))
	}
}

func TestRestoreRunOnlyFromFresh(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	started := time.Now().Add(-30 * time.Second)
	h.c.RestoreRun(RunRunning, 600, started)
	if got := h.c.Run(); got != RunRunning {
		t.Fatalf("Run() = %v after restore, want running", got)
	}
	if !h.c.Activated() {
		t.Fatal("Activated() = false after restore")
	}
	// A second restore against a non-fresh coordinator is ignored.
	h.c.HandleTimerEnded()
	h.c.RestoreRun(RunRunning, 600, started)
	if got := h.c.Run(); got != RunEndedNatural {
		t.Fatalf("Run() = %v after restore into terminal, want ended_natural", got)
	}
}

func TestReconnectIntoRunRequestsTimerSync(t *testing.T) {
	h := newHarness(t, RoleCandidate)
	h.c.RestoreRun(RunRunning, 600, time.Now().Add(-30*time.Second))
	h.cd.remaining = 570

	h.c.HandleConnected()
	if h.out.syncs != 1 {
		t.Fatalf("sync requests sent = %d, want 1", h.out.syncs)
	}
	if h.out.lastSyncEstimate != 570 {
		t.Fatalf("sync estimate = %d, want 570", h.out.lastSyncEstimate)
	}

	// A fresh connection with no run in flight asks for nothing.
	fresh := newHarness(t, RoleCandidate)
	fresh.c.HandleConnected()
	if fresh.out.syncs != 0 {
		t.Fatalf("sync requests before start = %d, want 0", fresh.out.syncs)
	}
}

func TestDefaultDurationApplied(t *testing.T) {
	cd := &fakeCountdown{}
	c := New(Identity{SessionID: "solo", UserID: "u", Role: RoleEvaluator}, Options{
		Mode:      LocalOnlySession,
		Clock:     cd,
		Logger:    zerolog.Nop(),
		Wallclock: clockwork.NewFakeClock(),
	})
	if err := c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() error = %v", err)
	}
	if err := c.RequestStart(0); err != nil {
		t.Fatalf("RequestStart(0) error = %v", err)
	}
	if cd.startSeconds != defaultDurationMinutes*60 {
		t.Fatalf("clock started with %d seconds, want %d", cd.startSeconds, defaultDurationMinutes*60)
	}
}
