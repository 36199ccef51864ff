package session

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/rgalvao/examroom/internal/presence"
	"github.com/rgalvao/examroom/internal/protocol"
)

type fakePauser struct {
	paused, resumed int
}

func (f *fakePauser) Pause()  { f.paused++ }
func (f *fakePauser) Resume() { f.resumed++ }

type boundHarness struct {
	b      *Binding
	c      *Coordinator
	out    *fakeOutbound
	cd     *fakeCountdown
	eval   *fakeEvaluator
	pauser *fakePauser
}

func newBoundHarness(t *testing.T, role Role) *boundHarness {
	t.Helper()
	h := &boundHarness{
		out:    &fakeOutbound{},
		cd:     &fakeCountdown{},
		eval:   &fakeEvaluator{},
		pauser: &fakePauser{},
	}
	bridge := presence.NewBridge("user-a", zerolog.Nop(), nil)
	h.c = New(Identity{SessionID: "sess-1", UserID: "user-a", Role: role}, Options{
		Mode:      RemoteSession,
		Outbound:  h.out,
		Clock:     h.cd,
		Presence:  bridge,
		Evaluator: h.eval,
		Logger:    zerolog.Nop(),
		Wallclock: clockwork.NewFakeClock(),
	})
	h.b = NewBinding(h.c, bridge, h.pauser, zerolog.Nop())
	return h
}

func TestBindingFullSessionFlow(t *testing.T) {
	h := newBoundHarness(t, RoleCandidate)
	h.b.OnConnected()

	h.b.OnServerEvent(protocol.PartnerJoined{
		Type:        protocol.TypePartnerJoined,
		Participant: protocol.Participant{UserID: "user-b", Role: "actor"},
	})
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() error = %v", err)
	}
	if h.c.Activated() {
		t.Fatal("Activated() = true before the partner marked ready")
	}

	h.b.OnServerEvent(protocol.PartnerReadyChanged{
		Type: protocol.TypePartnerReady, UserID: "user-b", IsReady: true,
	})
	if !h.c.Activated() {
		t.Fatal("Activated() = false after both sides ready")
	}

	h.b.OnServerEvent(protocol.SimulationStarted{
		Type: protocol.TypeSimulationStarted, DurationSeconds: 600,
	})
	if got := h.c.Run(); got != RunRunning {
		t.Fatalf("Run() = %v, want running", got)
	}
	if h.cd.startSeconds != 600 {
		t.Fatalf("clock started with %d seconds, want 600", h.cd.startSeconds)
	}

	h.b.OnServerEvent(protocol.TimerTick{Type: protocol.TypeTimerTick, RemainingSeconds: 599})
	if len(h.cd.synced) != 1 || h.cd.synced[0] != 599 {
		t.Fatalf("synced values = %v, want [599]", h.cd.synced)
	}

	h.b.OnServerEvent(protocol.TimerEnded{Type: protocol.TypeTimerEnded})
	if got := h.c.Run(); got != RunEndedNatural {
		t.Fatalf("Run() = %v, want ended_natural", got)
	}
	if len(h.eval.results) != 1 {
		t.Fatalf("evaluations = %d, want 1", len(h.eval.results))
	}
}

func TestBindingPartnerListActivation(t *testing.T) {
	h := newBoundHarness(t, RoleCandidate)
	h.b.OnConnected()
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() error = %v", err)
	}

	// A full roster snapshot with a ready partner activates directly.
	h.b.OnServerEvent(protocol.PartnerListUpdated{
		Type: protocol.TypePartnerListUpdated,
		Participants: []protocol.Participant{
			{UserID: "user-a", Role: "candidate", IsReady: true},
			{UserID: "user-b", Role: "evaluator", IsReady: true},
		},
	})
	if !h.c.Activated() {
		t.Fatal("Activated() = false after roster snapshot with ready partner")
	}
}

func TestBindingPartnerLeftBeforeStart(t *testing.T) {
	h := newBoundHarness(t, RoleCandidate)
	h.b.OnConnected()
	h.b.OnServerEvent(protocol.PartnerJoined{
		Type:        protocol.TypePartnerJoined,
		Participant: protocol.Participant{UserID: "user-b", Role: "actor", IsReady: true},
	})
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() error = %v", err)
	}

	h.b.OnServerEvent(protocol.PartnerLeft{Type: protocol.TypePartnerLeft, UserID: "user-b"})
	snap := h.c.Snapshot()
	if snap.Readiness.SelfReady || snap.Readiness.PartnerPresent {
		t.Fatalf("readiness after partner left = %+v, want reset", snap.Readiness)
	}
}

func TestBindingPartnerLeftMidRun(t *testing.T) {
	h := newBoundHarness(t, RoleActor)
	h.b.OnConnected()
	h.b.OnServerEvent(protocol.PartnerJoined{
		Type:        protocol.TypePartnerJoined,
		Participant: protocol.Participant{UserID: "user-b", Role: "candidate", IsReady: true},
	})
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() error = %v", err)
	}
	h.b.OnServerEvent(protocol.SimulationStarted{Type: protocol.TypeSimulationStarted, DurationSeconds: 600})

	h.b.OnServerEvent(protocol.PartnerLeft{Type: protocol.TypePartnerLeft, UserID: "user-b"})
	if got := h.c.Run(); got != RunRunning {
		t.Fatalf("Run() = %v after mid-run partner loss, want running", got)
	}
	if h.cd.stopped != 0 {
		t.Fatalf("clock stopped %d times, want 0", h.cd.stopped)
	}
}

func TestBindingPauseResumeRouted(t *testing.T) {
	h := newBoundHarness(t, RoleCandidate)
	h.b.OnServerEvent(protocol.SimulationPaused{Type: protocol.TypeSimulationPaused, RemainingSeconds: 300})
	h.b.OnServerEvent(protocol.SimulationResumed{Type: protocol.TypeSimulationResumed, RemainingSeconds: 300})
	if h.pauser.paused != 1 || h.pauser.resumed != 1 {
		t.Fatalf("pauser calls = %d/%d, want 1/1", h.pauser.paused, h.pauser.resumed)
	}
}

func TestBindingTimerSyncWhilePaused(t *testing.T) {
	h := newBoundHarness(t, RoleCandidate)
	h.b.OnConnected()
	h.b.OnServerEvent(protocol.PartnerJoined{
		Type:        protocol.TypePartnerJoined,
		Participant: protocol.Participant{UserID: "user-b", Role: "actor", IsReady: true},
	})
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() error = %v", err)
	}
	h.b.OnServerEvent(protocol.SimulationStarted{Type: protocol.TypeSimulationStarted, DurationSeconds: 600})

	h.b.OnServerEvent(protocol.TimerSync{Type: protocol.TypeTimerSync, RemainingSeconds: 420, IsPaused: true})
	if len(h.cd.synced) != 1 || h.cd.synced[0] != 420 {
		t.Fatalf("synced values = %v, want [420]", h.cd.synced)
	}
	if h.pauser.paused != 1 {
		t.Fatalf("pauser.Pause() calls = %d, want 1", h.pauser.paused)
	}
}

func TestBindingTimerStopped(t *testing.T) {
	h := newBoundHarness(t, RoleCandidate)
	h.b.OnConnected()
	h.b.OnServerEvent(protocol.PartnerJoined{
		Type:        protocol.TypePartnerJoined,
		Participant: protocol.Participant{UserID: "user-b", Role: "evaluator", IsReady: true},
	})
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() error = %v", err)
	}
	h.b.OnServerEvent(protocol.SimulationStarted{Type: protocol.TypeSimulationStarted, DurationSeconds: 600})

	h.b.OnServerEvent(protocol.TimerStopped{Type: protocol.TypeTimerStopped, Reason: "manual_end"})
	if got := h.c.Run(); got != RunEndedManual {
		t.Fatalf("Run() = %v, want ended_manual", got)
	}
}

func TestBindingDisconnectRouted(t *testing.T) {
	h := newBoundHarness(t, RoleCandidate)
	h.b.OnConnected()
	if err := h.c.MarkSelfReady(); err != nil {
		t.Fatalf("MarkSelfReady() error = %v", err)
	}
	h.b.OnDisconnected(true)
	snap := h.c.Snapshot()
	if snap.Connected || snap.Readiness.SelfReady {
		t.Fatalf("snapshot after disconnect = %+v, want disconnected and unready", snap)
	}
}
