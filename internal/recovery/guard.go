package recovery

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/rgalvao/examroom/internal/session"
)

const (
	// DefaultFreshness is how long a saved snapshot stays eligible for
	// recovery after the last recorded activity.
	DefaultFreshness = 5 * time.Minute
	// DefaultClearGrace delays the post-session cleanup so a page that
	// reloads right at the end can still read its own state once.
	DefaultClearGrace = 5 * time.Second
)

// The four session-scoped keys, one concern each. Scoping by session id
// keeps concurrent sessions in different tabs from trampling each other.
func simulationKey(sessionID string) string { return fmt.Sprintf("simulation_%s", sessionID) }
func timerKey(sessionID string) string      { return fmt.Sprintf("timer_%s", sessionID) }
func roleKey(sessionID string) string       { return fmt.Sprintf("role_%s", sessionID) }
func activityKey(sessionID string) string   { return fmt.Sprintf("activity_%s", sessionID) }

type simulationRecord struct {
	SessionID       string           `json:"session_id"`
	StationID       string           `json:"station_id,omitempty"`
	Run             session.RunState `json:"run"`
	DurationSeconds int              `json:"duration_seconds"`
	StartedAt       time.Time        `json:"started_at"`
	SavedAt         time.Time        `json:"saved_at"`
}

type timerRecord struct {
	RemainingSeconds int       `json:"remaining_seconds"`
	Paused           bool      `json:"paused"`
	SavedAt          time.Time `json:"saved_at"`
}

type roleRecord struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
}

type activityRecord struct {
	LastActivity time.Time `json:"last_activity"`
}

// GuardOptions tunes a Guard. Zero values fall back to the defaults.
type GuardOptions struct {
	Freshness  time.Duration
	ClearGrace time.Duration
	Clock      clockwork.Clock
	Logger     zerolog.Logger
}

// Guard persists the running session's state and offers it back after a
// crash or reload. Recovery is never silent: the caller gets a Recovery
// value and must pick Resume or Abandon.
type Guard struct {
	store      Store
	sessionID  string
	freshness  time.Duration
	clearGrace time.Duration
	clk        clockwork.Clock
	log        zerolog.Logger
}

func NewGuard(store Store, sessionID string, opts GuardOptions) *Guard {
	g := &Guard{
		store:      store,
		sessionID:  sessionID,
		freshness:  opts.Freshness,
		clearGrace: opts.ClearGrace,
		clk:        opts.Clock,
		log:        opts.Logger,
	}
	if g.freshness <= 0 {
		g.freshness = DefaultFreshness
	}
	if g.clearGrace <= 0 {
		g.clearGrace = DefaultClearGrace
	}
	if g.clk == nil {
		g.clk = clockwork.NewRealClock()
	}
	return g
}

// SaveIdentity records who this participant is. Written once when the
// session view opens.
func (g *Guard) SaveIdentity(id session.Identity) error {
	raw, err := json.Marshal(roleRecord{
		UserID:      id.UserID,
		Role:        string(id.Role),
		DisplayName: id.DisplayName,
	})
	if err != nil {
		return err
	}
	if err := g.store.Set(roleKey(g.sessionID), raw); err != nil {
		return fmt.Errorf("save role: %w", err)
	}
	return g.Touch()
}

// SaveSnapshot records the run state and the countdown position. Called
// on every coordinator change and on every clock tick worth persisting.
func (g *Guard) SaveSnapshot(snap session.Snapshot, remainingSeconds int, paused bool) error {
	now := g.clk.Now()
	simRaw, err := json.Marshal(simulationRecord{
		SessionID:       snap.Identity.SessionID,
		StationID:       snap.Identity.StationID,
		Run:             snap.Run,
		DurationSeconds: snap.DurationSeconds,
		StartedAt:       now.Add(-time.Duration(snap.DurationSeconds-remainingSeconds) * time.Second),
		SavedAt:         now,
	})
	if err != nil {
		return err
	}
	if err := g.store.Set(simulationKey(g.sessionID), simRaw); err != nil {
		return fmt.Errorf("save simulation state: %w", err)
	}

	timerRaw, err := json.Marshal(timerRecord{
		RemainingSeconds: remainingSeconds,
		Paused:           paused,
		SavedAt:          now,
	})
	if err != nil {
		return err
	}
	if err := g.store.Set(timerKey(g.sessionID), timerRaw); err != nil {
		return fmt.Errorf("save timer state: %w", err)
	}
	return g.Touch()
}

// Touch refreshes the activity timestamp that drives the freshness
// window.
func (g *Guard) Touch() error {
	raw, err := json.Marshal(activityRecord{LastActivity: g.clk.Now()})
	if err != nil {
		return err
	}
	return g.store.Set(activityKey(g.sessionID), raw)
}

// Clear removes all four keys for this session.
func (g *Guard) Clear() error {
	var firstErr error
	for _, key := range []string{
		simulationKey(g.sessionID),
		timerKey(g.sessionID),
		roleKey(g.sessionID),
		activityKey(g.sessionID),
	} {
		if err := g.store.Remove(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ScheduleClear clears the session's keys after the grace delay. The
// returned cancel function stops a clear that has not fired yet.
func (g *Guard) ScheduleClear() (cancel func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-g.clk.After(g.clearGrace):
			if err := g.Clear(); err != nil {
				g.log.Warn().Err(err).Msg("scheduled snapshot clear failed")
			}
		case <-done:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Recovery is an eligible saved session offered back to the caller. The
// caller must decide: Resume keeps the snapshot and refreshes activity,
// Abandon wipes it.
type Recovery struct {
	Identity                  session.Identity
	Run                       session.RunState
	DurationSeconds           int
	StartedAt                 time.Time
	EstimatedRemainingSeconds int
	Paused                    bool
	SavedAt                   time.Time

	guard *Guard
}

func (r *Recovery) Resume() error {
	return r.guard.Touch()
}

func (r *Recovery) Abandon() error {
	return r.guard.Clear()
}

// TryRecover inspects the stored keys for this session. It returns nil
// when there is nothing to offer: no snapshot, a stale one, a finished
// run or a countdown that ran out while the client was away. Stale and
// dead snapshots are cleared on the way out.
func (g *Guard) TryRecover() (*Recovery, error) {
	simRaw, ok, err := g.store.Get(simulationKey(g.sessionID))
	if err != nil {
		return nil, fmt.Errorf("read simulation state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var sim simulationRecord
	if err := json.Unmarshal(simRaw, &sim); err != nil {
		g.log.Warn().Err(err).Msg("corrupt simulation snapshot, discarding")
		return nil, g.Clear()
	}

	now := g.clk.Now()
	lastActivity := sim.SavedAt
	if actRaw, ok, err := g.store.Get(activityKey(g.sessionID)); err == nil && ok {
		var act activityRecord
		if json.Unmarshal(actRaw, &act) == nil && !act.LastActivity.IsZero() {
			lastActivity = act.LastActivity
		}
	}
	if now.Sub(lastActivity) > g.freshness {
		g.log.Info().
			Time("last_activity", lastActivity).
			Msg("saved session too old to recover, discarding")
		return nil, g.Clear()
	}

	if sim.Run.Terminal() {
		return nil, g.Clear()
	}

	rec := &Recovery{
		Identity:        session.Identity{SessionID: sim.SessionID, StationID: sim.StationID},
		Run:             sim.Run,
		DurationSeconds: sim.DurationSeconds,
		StartedAt:       sim.StartedAt,
		SavedAt:         sim.SavedAt,
		guard:           g,
	}

	if roleRaw, ok, err := g.store.Get(roleKey(g.sessionID)); err == nil && ok {
		var role roleRecord
		if json.Unmarshal(roleRaw, &role) == nil {
			rec.Identity.UserID = role.UserID
			rec.Identity.Role = session.Role(role.Role)
			rec.Identity.DisplayName = role.DisplayName
		}
	}

	if timerRaw, ok, err := g.store.Get(timerKey(g.sessionID)); err == nil && ok {
		var timer timerRecord
		if json.Unmarshal(timerRaw, &timer) == nil {
			remaining := timer.RemainingSeconds
			if !timer.Paused {
				// The countdown kept conceptually running while we were
				// away; charge the elapsed wall time against it.
				remaining -= int(now.Sub(timer.SavedAt) / time.Second)
			}
			if remaining < 0 {
				remaining = 0
			}
			rec.EstimatedRemainingSeconds = remaining
			rec.Paused = timer.Paused
		}
	}

	if sim.Run == session.RunRunning && rec.EstimatedRemainingSeconds == 0 && !rec.Paused {
		g.log.Info().Msg("saved countdown expired while away, discarding")
		return nil, g.Clear()
	}

	return rec, nil
}
