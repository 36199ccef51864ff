package session

import "time"

// Role is the part a participant plays in a simulation session.
type Role string

const (
	RoleCandidate Role = "candidate"
	RoleActor     Role = "actor"
	RoleEvaluator Role = "evaluator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCandidate, RoleActor, RoleEvaluator:
		return true
	default:
		return false
	}
}

// Examiner reports whether the role may start, pause and end the
// simulation. The candidate never can.
func (r Role) Examiner() bool {
	return r == RoleActor || r == RoleEvaluator
}

// Identity is immutable for the lifetime of one session view. A new
// session requires a fresh Identity.
type Identity struct {
	SessionID   string `json:"session_id"`
	StationID   string `json:"station_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        Role   `json:"role"`
}

// RunState is the simulation lifecycle phase. The two ended states are
// terminal: no transition ever leaves them.
type RunState string

const (
	RunNotStarted   RunState = "not_started"
	RunRunning      RunState = "running"
	RunEndedNatural RunState = "ended_natural"
	RunEndedManual  RunState = "ended_manual"
)

func (s RunState) Terminal() bool {
	return s == RunEndedNatural || s == RunEndedManual
}

// Readiness groups the three facts that gate activation. SelfReady is
// owned by the coordinator; the partner facts are owned by the presence
// bridge and only mirrored here.
type Readiness struct {
	SelfReady      bool `json:"self_ready"`
	PartnerReady   bool `json:"partner_ready"`
	PartnerPresent bool `json:"partner_present"`
}

// Snapshot is an immutable view of the coordinator state, delivered to
// the change observer after every material mutation.
type Snapshot struct {
	Identity         Identity  `json:"identity"`
	Run              RunState  `json:"run"`
	Readiness        Readiness `json:"readiness"`
	BackendActivated bool      `json:"backend_activated"`
	Connected        bool      `json:"connected"`
	DurationSeconds  int       `json:"duration_seconds"`
}

// Result is handed to the scoring collaborator when a session reaches a
// terminal state.
type Result struct {
	Identity         Identity
	Run              RunState
	StartedAt        time.Time
	EndedAt          time.Time
	DurationSeconds  int
	RemainingSeconds int
}

// Evaluator is the scoring collaborator. It receives the terminal run
// state and timestamps and runs its own flow from there.
type Evaluator interface {
	BeginEvaluation(Result)
}

// Outbound carries the coordinator's intents toward the hub. The
// websocket transport implements it; a local-only session has none.
type Outbound interface {
	SendReady() error
	SendUnready() error
	SendStart(durationMinutes int) error
	SendManualEnd() error
	SendTimerSyncRequest(estimatedRemainingSeconds int) error
}

// Countdown is the slice of the simulation clock the coordinator drives.
type Countdown interface {
	Start(initialSeconds int)
	Stop()
	SyncFromServer(remainingSeconds int)
	Remaining() int
}

// Presence exposes the partner facts derived from the network. They are
// read-only from the coordinator's perspective.
type Presence interface {
	PartnerPresent() bool
	PartnerReady() bool
}
