package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Mode selects the session variant at construction time: a real
// two-participant session mediated by the hub, or a local-only one where
// the partner side is implied (solo training against prepared material).
type Mode int

const (
	RemoteSession Mode = iota
	LocalOnlySession
)

const defaultDurationMinutes = 10

// Options wires a Coordinator to its collaborators.
type Options struct {
	Mode      Mode
	Outbound  Outbound // required for RemoteSession
	Clock     Countdown
	Presence  Presence  // required for RemoteSession
	Evaluator Evaluator // optional scoring collaborator
	OnChange  func(Snapshot)
	Logger    zerolog.Logger
	Wallclock clockwork.Clock // timestamps; defaults to the real clock
}

// Coordinator runs the session lifecycle state machine: ready
// negotiation, backend activation, countdown start, running and the two
// terminal ends. All mutation goes through its methods; every inbound
// handler is safe to invoke redundantly.
type Coordinator struct {
	id       Identity
	mode     Mode
	out      Outbound
	clock    Countdown
	presence Presence
	eval     Evaluator
	onChange func(Snapshot)
	log      zerolog.Logger
	wall     clockwork.Clock

	mu              sync.Mutex
	run             RunState
	selfReady       bool
	activated       bool
	connected       bool
	durationSeconds int
	startedAt       time.Time
	endedAt         time.Time
}

func New(id Identity, opts Options) *Coordinator {
	wall := opts.Wallclock
	if wall == nil {
		wall = clockwork.NewRealClock()
	}
	c := &Coordinator{
		id:       id,
		mode:     opts.Mode,
		out:      opts.Outbound,
		clock:    opts.Clock,
		presence: opts.Presence,
		eval:     opts.Evaluator,
		onChange: opts.OnChange,
		log:      opts.Logger,
		wall:     wall,
		run:      RunNotStarted,
	}
	if c.mode == LocalOnlySession {
		// No connection to wait for in the local variant.
		c.connected = true
	}
	return c
}

// MarkSelfReady toggles the local readiness declaration. The first call
// declares ready; a second call before the run starts retracts it. Once
// the simulation is running readiness is frozen.
func (c *Coordinator) MarkSelfReady() error {
	c.mu.Lock()
	if c.run == RunRunning || c.run.Terminal() {
		c.mu.Unlock()
		return ErrReadinessFrozen
	}
	if c.mode == RemoteSession {
		if !c.connected {
			c.mu.Unlock()
			return ErrNotConnected
		}
		// The examiner's ready is gated on the candidate having already
		// declared: a clock nobody is there to experience must not become
		// startable.
		if !c.selfReady && c.id.Role.Examiner() && !c.partnerReadyLocked() {
			c.mu.Unlock()
			return ErrCandidateNotReady
		}
	}

	declaring := !c.selfReady
	c.selfReady = declaring
	c.maybeActivateLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if c.mode == RemoteSession {
		var err error
		if declaring {
			err = c.out.SendReady()
		} else {
			err = c.out.SendUnready()
		}
		if err != nil {
			c.mu.Lock()
			c.selfReady = !declaring
			snap = c.snapshotLocked()
			c.mu.Unlock()
			c.notify(snap)
			return fmt.Errorf("send readiness: %w", err)
		}
	}

	c.notify(snap)
	return nil
}

// RequestStart asks for the countdown to begin. Examiner roles only, and
// only once the session is activated and the readiness invariant still
// holds. Each violated precondition has its own error so the user learns
// what to wait for.
func (c *Coordinator) RequestStart(durationMinutes int) error {
	if durationMinutes <= 0 {
		durationMinutes = defaultDurationMinutes
	}

	c.mu.Lock()
	switch {
	case !c.id.Role.Examiner():
		c.mu.Unlock()
		return ErrRoleNotAllowed
	case c.run.Terminal():
		c.mu.Unlock()
		return ErrAlreadyEnded
	case c.run == RunRunning:
		c.mu.Unlock()
		return ErrAlreadyStarted
	case c.mode == RemoteSession && !c.connected:
		c.mu.Unlock()
		return ErrNotConnected
	case !c.activated:
		c.mu.Unlock()
		return ErrNotActivated
	case !c.bothReadyLocked():
		c.mu.Unlock()
		return ErrPartnersNotReady
	}

	if c.mode == LocalOnlySession {
		snap := c.beginRunLocked(durationMinutes * 60)
		c.mu.Unlock()
		c.notify(snap)
		return nil
	}
	c.mu.Unlock()

	// The run state flips when the hub echoes simulation_started back to
	// both participants, so the two clocks start from the same event.
	if err := c.out.SendStart(durationMinutes); err != nil {
		return fmt.Errorf("send start: %w", err)
	}
	return nil
}

// RequestManualEnd ends a running simulation early. The local transition
// is optimistic: the clock stops the instant the examiner acts, and the
// outward notification is fire-and-forget.
func (c *Coordinator) RequestManualEnd() error {
	c.mu.Lock()
	switch {
	case !c.id.Role.Examiner():
		c.mu.Unlock()
		return ErrRoleNotAllowed
	case c.run.Terminal():
		c.mu.Unlock()
		return ErrAlreadyEnded
	case c.run != RunRunning:
		c.mu.Unlock()
		return ErrNotStarted
	}
	snap, result := c.endLocked(RunEndedManual)
	c.mu.Unlock()

	if c.mode == RemoteSession {
		if err := c.out.SendManualEnd(); err != nil {
			// Local terminal state stands regardless; the hub will also
			// time the session out on its own.
			c.log.Warn().Err(err).Msg("manual end notification failed")
		}
	}

	c.finish(snap, result)
	return nil
}

// HandleConnected records a live connection, which among other things
// enables the candidate's ready control. Rejoining a live run also asks
// the hub to reconcile the countdown against the local estimate.
func (c *Coordinator) HandleConnected() {
	c.mu.Lock()
	c.connected = true
	running := c.run == RunRunning && c.mode == RemoteSession
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if running {
		if err := c.out.SendTimerSyncRequest(c.clock.Remaining()); err != nil {
			c.log.Warn().Err(err).Msg("timer sync request after reconnect failed")
		}
	}
	c.notify(snap)
}

// HandleDisconnected records connection loss. A pre-start disconnect
// clears the local ready declaration: resuming with a stale one after a
// reconnect is unsafe.
func (c *Coordinator) HandleDisconnected() {
	c.mu.Lock()
	c.connected = false
	if c.run == RunNotStarted {
		c.selfReady = false
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// HandleRemoteReady re-evaluates the activation guard after the presence
// bridge absorbed a partner readiness change.
func (c *Coordinator) HandleRemoteReady() {
	c.mu.Lock()
	before := c.activated
	c.maybeActivateLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if c.activated != before {
		c.log.Info().Str("session_id", c.id.SessionID).Msg("session activated")
	}
	c.notify(snap)
}

// HandleRemoteStart transitions to Running when the hub announces the
// simulation. Redundant receipt is a no-op.
func (c *Coordinator) HandleRemoteStart(durationSeconds int) {
	c.mu.Lock()
	if c.run == RunRunning || c.run.Terminal() {
		c.mu.Unlock()
		return
	}
	if !c.activated {
		// Running requires activation; a start that raced past the
		// readiness fan-out is dropped rather than trusted.
		c.mu.Unlock()
		c.log.Warn().Int("duration_seconds", durationSeconds).Msg("start event before activation, dropped")
		return
	}
	snap := c.beginRunLocked(durationSeconds)
	c.mu.Unlock()
	c.notify(snap)
}

// HandleRemoteTimerTick forwards a server countdown value to the clock,
// which drops it when the local tick is authoritative.
func (c *Coordinator) HandleRemoteTimerTick(remainingSeconds int) {
	c.mu.Lock()
	terminal := c.run.Terminal()
	c.mu.Unlock()
	if terminal {
		return
	}
	c.clock.SyncFromServer(remainingSeconds)
}

// HandleTimerEnded moves a running session to its natural end. Fired by
// the local clock's zero crossing and, redundantly, by the hub.
func (c *Coordinator) HandleTimerEnded() {
	c.mu.Lock()
	if c.run != RunRunning {
		c.mu.Unlock()
		return
	}
	snap, result := c.endLocked(RunEndedNatural)
	c.mu.Unlock()
	c.finish(snap, result)
}

// HandleRemoteStopped applies a manual end decided on the other side.
func (c *Coordinator) HandleRemoteStopped(reason string) {
	c.mu.Lock()
	if c.run != RunRunning {
		c.mu.Unlock()
		return
	}
	snap, result := c.endLocked(RunEndedManual)
	c.mu.Unlock()

	c.log.Info().Str("reason", reason).Msg("simulation stopped remotely")
	c.finish(snap, result)
}

// HandlePartnerLost reacts to the counterpart dropping off. Once the run
// has started the session is loss-tolerant for both roles and keeps
// running; before that, the local ready declaration is reset along with
// the partner facts the bridge already cleared.
func (c *Coordinator) HandlePartnerLost() {
	c.mu.Lock()
	if c.run == RunRunning || c.run.Terminal() {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.log.Info().Str("role", string(c.id.Role)).Msg("partner lost mid-session, continuing")
		c.notify(snap)
		return
	}
	c.selfReady = false
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// BothReady recomputes the three-way readiness invariant from current
// facts.
func (c *Coordinator) BothReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bothReadyLocked()
}

func (c *Coordinator) Activated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activated
}

func (c *Coordinator) Run() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

func (c *Coordinator) Identity() Identity {
	return c.id
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// RestoreRun replays a persisted run state into a freshly constructed
// coordinator during recovery. Only forward restoration is accepted: a
// snapshot can bring the session into Running, never back out of it.
func (c *Coordinator) RestoreRun(run RunState, durationSeconds int, startedAt time.Time) {
	c.mu.Lock()
	if c.run != RunNotStarted || run != RunRunning {
		c.mu.Unlock()
		return
	}
	c.selfReady = true
	c.activated = true
	c.run = RunRunning
	c.durationSeconds = durationSeconds
	c.startedAt = startedAt
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Coordinator) partnerPresentLocked() bool {
	if c.mode == LocalOnlySession {
		return true
	}
	return c.presence.PartnerPresent()
}

func (c *Coordinator) partnerReadyLocked() bool {
	if c.mode == LocalOnlySession {
		return true
	}
	return c.presence.PartnerReady() && c.presence.PartnerPresent()
}

func (c *Coordinator) bothReadyLocked() bool {
	return c.selfReady && c.partnerReadyLocked() && c.partnerPresentLocked()
}

// maybeActivateLocked sets the one-way activation flag the instant the
// three-way readiness invariant holds. Idempotent; never unsets.
func (c *Coordinator) maybeActivateLocked() {
	if c.activated {
		return
	}
	if c.bothReadyLocked() {
		c.activated = true
	}
}

func (c *Coordinator) beginRunLocked(durationSeconds int) Snapshot {
	c.run = RunRunning
	c.durationSeconds = durationSeconds
	c.startedAt = c.wall.Now()
	c.clock.Start(durationSeconds)
	return c.snapshotLocked()
}

func (c *Coordinator) endLocked(state RunState) (Snapshot, Result) {
	c.run = state
	c.endedAt = c.wall.Now()
	c.clock.Stop()
	result := Result{
		Identity:         c.id,
		Run:              state,
		StartedAt:        c.startedAt,
		EndedAt:          c.endedAt,
		DurationSeconds:  c.durationSeconds,
		RemainingSeconds: c.clock.Remaining(),
	}
	return c.snapshotLocked(), result
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{
		Identity: c.id,
		Run:      c.run,
		Readiness: Readiness{
			SelfReady:      c.selfReady,
			PartnerReady:   c.partnerReadyLocked(),
			PartnerPresent: c.partnerPresentLocked(),
		},
		BackendActivated: c.activated,
		Connected:        c.connected,
		DurationSeconds:  c.durationSeconds,
	}
}

func (c *Coordinator) finish(snap Snapshot, result Result) {
	c.notify(snap)
	if c.eval != nil {
		c.eval.BeginEvaluation(result)
	}
}

func (c *Coordinator) notify(snap Snapshot) {
	if c.onChange != nil {
		c.onChange(snap)
	}
}
