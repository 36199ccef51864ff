package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/rgalvao/examroom/internal/observability"
	"github.com/rgalvao/examroom/internal/protocol"
	"github.com/rgalvao/examroom/internal/session"
	"github.com/rgalvao/examroom/internal/store"
)

const (
	// A session room holds exactly the two exam roles.
	maxParticipants = 2

	outboundBuffer = 256

	defaultDurationMinutes = 10
)

var (
	ErrRoomFull      = errors.New("session already has two participants")
	ErrDuplicateUser = errors.New("user already connected to this session")
	ErrInvalidRole   = errors.New("invalid participant role")
)

// Options wires a Hub to its collaborators.
type Options struct {
	Store                  store.Store
	Metrics                *observability.Metrics
	Drift                  *observability.DriftWindow
	Clock                  clockwork.Clock
	Logger                 zerolog.Logger
	DefaultDurationMinutes int
}

// Hub is the server-side authority for session rooms: who is in them,
// who is ready, and where the countdown stands. Clients follow its
// events; their own clocks are only a smoothing layer.
type Hub struct {
	store           store.Store
	metrics         *observability.Metrics
	drift           *observability.DriftWindow
	clk             clockwork.Clock
	log             zerolog.Logger
	defaultDuration int

	// mu guards rooms, every room's state and every participant's
	// outbound channel, including its close. Sends are non-blocking, so
	// holding it across delivery is cheap.
	mu    sync.Mutex
	rooms map[string]*room
}

// Participant is one connected session member as the hub tracks it. The
// websocket layer reads server events from Events and feeds client
// events into HandleEvent.
type Participant struct {
	SessionID   string
	UserID      string
	Role        session.Role
	DisplayName string

	ready bool
	gone  bool
	out   chan any
}

// Events is the participant's outbound stream. It closes when the
// participant leaves the room.
func (p *Participant) Events() <-chan any { return p.out }

type room struct {
	id           string
	stationID    string
	participants map[string]*Participant

	started   bool
	ended     bool
	paused    bool
	remaining int
	duration  int
	startedAt time.Time
	stopTimer chan struct{}
}

func New(opts Options) *Hub {
	clk := opts.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	defaultDuration := opts.DefaultDurationMinutes
	if defaultDuration <= 0 {
		defaultDuration = defaultDurationMinutes
	}
	return &Hub{
		store:           opts.Store,
		metrics:         opts.Metrics,
		drift:           opts.Drift,
		clk:             clk,
		log:             opts.Logger,
		defaultDuration: defaultDuration,
		rooms:           make(map[string]*room),
	}
}

// JoinRequest identifies the participant entering a session room.
type JoinRequest struct {
	SessionID   string
	StationID   string
	UserID      string
	Role        session.Role
	DisplayName string
}

// Join adds a participant to the session's room, creating the room on
// first entry. The joiner receives the current roster; the counterpart
// is told about the arrival. Rejoining a running session also delivers a
// timer sync so the client clock lands on the hub's countdown.
func (h *Hub) Join(ctx context.Context, req JoinRequest) (*Participant, error) {
	if !req.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, req.Role)
	}

	h.mu.Lock()
	r, ok := h.rooms[req.SessionID]
	if !ok {
		r = &room{
			id:           req.SessionID,
			stationID:    req.StationID,
			participants: make(map[string]*Participant),
		}
		h.rooms[req.SessionID] = r
	}
	if _, dup := r.participants[req.UserID]; dup {
		h.mu.Unlock()
		return nil, ErrDuplicateUser
	}
	if len(r.participants) >= maxParticipants {
		h.mu.Unlock()
		return nil, ErrRoomFull
	}

	p := &Participant{
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		Role:        req.Role,
		DisplayName: req.DisplayName,
		out:         make(chan any, outboundBuffer),
	}
	r.participants[req.UserID] = p
	firstJoin := len(r.participants) == 1

	h.sendLocked(p, protocol.PartnerListUpdated{
		Type:         protocol.TypePartnerListUpdated,
		Participants: r.rosterLocked(),
	})
	if r.started && !r.ended {
		h.sendLocked(p, protocol.TimerSync{
			Type:             protocol.TypeTimerSync,
			RemainingSeconds: r.remaining,
			IsPaused:         r.paused,
		})
	}
	h.broadcastLocked(r.othersLocked(req.UserID), protocol.PartnerJoined{
		Type:        protocol.TypePartnerJoined,
		Participant: participantView(p),
	})
	h.mu.Unlock()

	if firstJoin {
		if h.metrics != nil {
			h.metrics.ActiveSessions.Inc()
		}
		if err := h.store.UpsertSession(ctx, store.SessionRecord{
			ID:        req.SessionID,
			StationID: req.StationID,
			Status:    store.StatusWaiting,
		}); err != nil {
			h.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("persist session record failed")
		}
	}
	if h.metrics != nil {
		h.metrics.ConnectedParticipants.Inc()
		h.metrics.SessionEvents.WithLabelValues("participant_joined").Inc()
	}
	h.log.Info().
		Str("session_id", req.SessionID).
		Str("user_id", req.UserID).
		Str("role", string(req.Role)).
		Msg("participant joined")
	return p, nil
}

// Leave removes the participant and tells the counterpart. The last one
// out tears the room down; a countdown still running at that point is
// recorded as abandoned. Safe to call more than once for the same
// participant: the websocket layer tears down with both an explicit and
// a deferred call, and the user may have rejoined in between.
func (h *Hub) Leave(ctx context.Context, p *Participant) {
	h.mu.Lock()
	if p.gone {
		h.mu.Unlock()
		return
	}
	r, ok := h.rooms[p.SessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if current, present := r.participants[p.UserID]; !present || current != p {
		h.mu.Unlock()
		return
	}
	delete(r.participants, p.UserID)
	p.gone = true
	close(p.out)

	h.broadcastLocked(r.othersLocked(p.UserID), protocol.PartnerLeft{
		Type:   protocol.TypePartnerLeft,
		UserID: p.UserID,
	})

	empty := len(r.participants) == 0
	abandoned := false
	if empty {
		delete(h.rooms, p.SessionID)
		if r.started && !r.ended {
			r.ended = true
			abandoned = true
		}
		if r.stopTimer != nil {
			close(r.stopTimer)
			r.stopTimer = nil
		}
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectedParticipants.Dec()
		h.metrics.SessionEvents.WithLabelValues("participant_left").Inc()
		if empty {
			h.metrics.ActiveSessions.Dec()
		}
	}
	if abandoned {
		h.endSession(ctx, r, "abandoned")
	}
	h.log.Info().
		Str("session_id", p.SessionID).
		Str("user_id", p.UserID).
		Msg("participant left")
}

// HandleEvent applies one parsed client intent against the participant's
// room. Precondition violations go back to the sender as server_error
// events; they never tear the connection down.
func (h *Hub) HandleEvent(ctx context.Context, p *Participant, msg any) {
	if typ, ok := protocol.TypeOf(msg); ok {
		h.audit(ctx, p, string(typ))
	}

	switch m := msg.(type) {
	case protocol.ClientReady:
		h.setReady(p, true)
	case protocol.ClientUnready:
		h.setReady(p, false)
	case protocol.ClientStartSimulation:
		h.startSimulation(ctx, p, m.DurationMinutes)
	case protocol.ClientManualEnd:
		h.manualEnd(ctx, p)
	case protocol.ClientPauseSimulation:
		h.setPaused(p, true)
	case protocol.ClientResumeSimulation:
		h.setPaused(p, false)
	case protocol.ClientTimerSyncRequest:
		h.syncTimer(p, m.EstimatedRemainingSeconds)
	default:
		h.mu.Lock()
		h.sendLocked(p, protocol.ServerError{
			Type:    protocol.TypeServerError,
			Message: "unsupported event",
		})
		h.mu.Unlock()
	}
}

func (h *Hub) setReady(p *Participant, ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[p.SessionID]
	if !ok {
		return
	}
	if r.started {
		h.sendLocked(p, protocol.ServerError{
			Type:    protocol.TypeServerError,
			Message: "readiness is frozen once the simulation is running",
		})
		return
	}
	p.ready = ready
	h.broadcastLocked(r.othersLocked(p.UserID), protocol.PartnerReadyChanged{
		Type:    protocol.TypePartnerReady,
		UserID:  p.UserID,
		IsReady: ready,
	})
	if h.metrics != nil {
		h.metrics.SessionEvents.WithLabelValues("ready_changed").Inc()
	}
}

func (h *Hub) startSimulation(ctx context.Context, p *Participant, durationMinutes int) {
	if durationMinutes <= 0 {
		durationMinutes = h.defaultDuration
	}
	durationSeconds := durationMinutes * 60

	h.mu.Lock()
	r, ok := h.rooms[p.SessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	switch {
	case !p.Role.Examiner():
		h.sendLocked(p, protocol.ServerError{
			Type:    protocol.TypeServerError,
			Message: "only the examiner side can start the simulation",
		})
		h.mu.Unlock()
		return
	case r.started || r.ended:
		h.sendLocked(p, protocol.ServerError{
			Type:    protocol.TypeServerError,
			Message: "the simulation has already started",
		})
		h.mu.Unlock()
		return
	case len(r.participants) < maxParticipants || !r.allReadyLocked():
		h.sendLocked(p, protocol.ServerError{
			Type:    protocol.TypeServerError,
			Message: "both participants must be ready before starting",
		})
		h.mu.Unlock()
		return
	}

	r.started = true
	r.duration = durationSeconds
	r.remaining = durationSeconds
	r.startedAt = h.clk.Now()
	r.stopTimer = make(chan struct{})
	stop := r.stopTimer
	h.broadcastLocked(r.allLocked(), protocol.SimulationStarted{
		Type:            protocol.TypeSimulationStarted,
		DurationSeconds: durationSeconds,
	})
	h.mu.Unlock()

	go h.runTimer(r, stop)

	if h.metrics != nil {
		h.metrics.SessionEvents.WithLabelValues("simulation_started").Inc()
	}
	if err := h.store.MarkStarted(ctx, r.id, durationSeconds, r.startedAt); err != nil {
		h.log.Warn().Err(err).Str("session_id", r.id).Msg("persist simulation start failed")
	}
	h.log.Info().
		Str("session_id", r.id).
		Int("duration_seconds", durationSeconds).
		Msg("simulation started")
}

func (h *Hub) manualEnd(ctx context.Context, p *Participant) {
	h.mu.Lock()
	r, ok := h.rooms[p.SessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	switch {
	case !p.Role.Examiner():
		h.sendLocked(p, protocol.ServerError{
			Type:    protocol.TypeServerError,
			Message: "only the examiner side can end the simulation",
		})
		h.mu.Unlock()
		return
	case !r.started || r.ended:
		h.sendLocked(p, protocol.ServerError{
			Type:    protocol.TypeServerError,
			Message: "the simulation is not running",
		})
		h.mu.Unlock()
		return
	}
	r.ended = true
	if r.stopTimer != nil {
		close(r.stopTimer)
		r.stopTimer = nil
	}
	h.broadcastLocked(r.allLocked(), protocol.TimerStopped{
		Type:   protocol.TypeTimerStopped,
		Reason: "manual_end",
	})
	h.mu.Unlock()

	h.endSession(ctx, r, "manual")
}

func (h *Hub) setPaused(p *Participant, paused bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[p.SessionID]
	if !ok {
		return
	}
	if !p.Role.Examiner() {
		h.sendLocked(p, protocol.ServerError{
			Type:    protocol.TypeServerError,
			Message: "only the examiner side can pause the simulation",
		})
		return
	}
	if !r.started || r.ended || r.paused == paused {
		return
	}
	r.paused = paused

	if paused {
		h.broadcastLocked(r.allLocked(), protocol.SimulationPaused{
			Type:             protocol.TypeSimulationPaused,
			RemainingSeconds: r.remaining,
			PausedBy:         p.UserID,
		})
	} else {
		h.broadcastLocked(r.allLocked(), protocol.SimulationResumed{
			Type:             protocol.TypeSimulationResumed,
			RemainingSeconds: r.remaining,
			ResumedBy:        p.UserID,
		})
	}
	if h.metrics != nil {
		h.metrics.SessionEvents.WithLabelValues("pause_changed").Inc()
	}
}

// syncTimer answers a client's reconciliation request. The reply adopts
// the smaller of the hub's countdown and the client's estimate so a sync
// can never hand time back.
func (h *Hub) syncTimer(p *Participant, estimatedRemainingSeconds int) {
	h.mu.Lock()
	r, ok := h.rooms[p.SessionID]
	if !ok || !r.started || r.ended {
		h.mu.Unlock()
		return
	}
	serverRemaining := r.remaining
	adopted := serverRemaining
	if estimatedRemainingSeconds > 0 && estimatedRemainingSeconds < adopted {
		adopted = estimatedRemainingSeconds
		r.remaining = adopted
	}
	h.sendLocked(p, protocol.TimerSync{
		Type:             protocol.TypeTimerSync,
		RemainingSeconds: adopted,
		IsPaused:         r.paused,
	})
	h.mu.Unlock()

	if h.drift != nil {
		drift := serverRemaining - estimatedRemainingSeconds
		if drift < 0 {
			drift = -drift
		}
		h.drift.Observe("timer_sync", float64(drift))
	}
	if adopted != serverRemaining {
		h.drift.ObserveIndicator("sync_correction")
		if h.metrics != nil {
			h.metrics.TimerSyncCorrections.Inc()
		}
	}
}

func (h *Hub) runTimer(r *room, stop chan struct{}) {
	ticker := h.clk.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if h.tickRoom(r) {
				return
			}
		}
	}
}

// tickRoom advances the room countdown by one second. Returns true once
// the room no longer needs the ticker.
func (h *Hub) tickRoom(r *room) bool {
	h.mu.Lock()
	if r.ended {
		h.mu.Unlock()
		return true
	}
	if r.paused {
		h.mu.Unlock()
		return false
	}
	r.remaining--
	if r.remaining < 0 {
		r.remaining = 0
	}
	expired := r.remaining == 0
	if expired {
		r.ended = true
		r.stopTimer = nil
		h.broadcastLocked(r.allLocked(), protocol.TimerEnded{Type: protocol.TypeTimerEnded})
	} else {
		h.broadcastLocked(r.allLocked(), protocol.TimerTick{
			Type:             protocol.TypeTimerTick,
			RemainingSeconds: r.remaining,
		})
	}
	h.mu.Unlock()

	if expired {
		h.endSession(context.Background(), r, "natural")
	}
	return expired
}

func (h *Hub) endSession(ctx context.Context, r *room, reason string) {
	if h.metrics != nil {
		h.metrics.SessionsEnded.WithLabelValues(reason).Inc()
		if !r.startedAt.IsZero() {
			h.metrics.ObserveSessionDuration(h.clk.Now().Sub(r.startedAt))
		}
	}
	if err := h.store.MarkEnded(ctx, r.id, reason, h.clk.Now()); err != nil {
		h.log.Warn().Err(err).Str("session_id", r.id).Msg("persist simulation end failed")
	}
	h.log.Info().Str("session_id", r.id).Str("reason", reason).Msg("simulation ended")
}

func (h *Hub) audit(ctx context.Context, p *Participant, eventType string) {
	err := h.store.RecordEvent(ctx, store.EventRecord{
		SessionID: p.SessionID,
		UserID:    p.UserID,
		Type:      eventType,
	})
	if err != nil {
		h.log.Debug().Err(err).Str("type", eventType).Msg("audit event write failed")
	}
}

// SendError pushes a server_error event to one participant. Used by the
// websocket layer for malformed frames, which never reach HandleEvent.
func (h *Hub) SendError(p *Participant, message string) {
	h.mu.Lock()
	h.sendLocked(p, protocol.ServerError{
		Type:    protocol.TypeServerError,
		Message: message,
	})
	h.mu.Unlock()
}

func (h *Hub) sendLocked(p *Participant, msg any) {
	if p.gone {
		return
	}
	select {
	case p.out <- msg:
	default:
		// Writes stay single-threaded per socket; a saturated queue
		// drops rather than blocks the room.
		h.drift.ObserveIndicator("outbound_drop")
		h.log.Warn().
			Str("session_id", p.SessionID).
			Str("user_id", p.UserID).
			Msg("outbound queue saturated, event dropped")
	}
}

func (h *Hub) broadcastLocked(targets []*Participant, msg any) {
	for _, p := range targets {
		h.sendLocked(p, msg)
	}
}

func (r *room) allReadyLocked() bool {
	for _, p := range r.participants {
		if !p.ready {
			return false
		}
	}
	return len(r.participants) > 0
}

func (r *room) allLocked() []*Participant {
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

func (r *room) othersLocked(userID string) []*Participant {
	out := make([]*Participant, 0, len(r.participants))
	for id, p := range r.participants {
		if id != userID {
			out = append(out, p)
		}
	}
	return out
}

func (r *room) rosterLocked() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, participantView(p))
	}
	return out
}

func participantView(p *Participant) protocol.Participant {
	return protocol.Participant{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Role:        string(p.Role),
		IsReady:     p.ready,
	}
}
