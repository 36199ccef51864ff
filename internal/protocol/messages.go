package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies websocket payload variants exchanged between a
// simulation client and the coordination hub.
type EventType string

// Client -> server intents.
const (
	TypeClientReady            EventType = "client_ready"
	TypeClientUnready          EventType = "client_unready"
	TypeClientStartSimulation  EventType = "client_start_simulation"
	TypeClientManualEnd        EventType = "client_manual_end_simulation"
	TypeClientTimerSyncRequest EventType = "client_timer_sync_request"
	TypeClientPauseSimulation  EventType = "client_pause_simulation"
	TypeClientResumeSimulation EventType = "client_resume_simulation"
)

// Server -> client events.
const (
	TypePartnerJoined      EventType = "partner_joined"
	TypePartnerListUpdated EventType = "partner_list_updated"
	TypePartnerReady       EventType = "partner_ready_changed"
	TypePartnerLeft        EventType = "partner_left"
	TypeSimulationStarted  EventType = "simulation_started"
	TypeSimulationPaused   EventType = "simulation_paused"
	TypeSimulationResumed  EventType = "simulation_resumed"
	TypeTimerTick          EventType = "timer_tick"
	TypeTimerSync          EventType = "timer_sync"
	TypeTimerEnded         EventType = "timer_ended"
	TypeTimerStopped       EventType = "timer_stopped"
	TypeServerError        EventType = "server_error"
)

var ErrUnsupportedType = errors.New("unsupported event type")

type Envelope struct {
	Type EventType `json:"type"`
}

// Participant describes one session member as the hub sees it.
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role"`
	IsReady     bool   `json:"is_ready"`
}

type ClientReady struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
}

type ClientUnready struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
}

type ClientStartSimulation struct {
	Type            EventType `json:"type"`
	SessionID       string    `json:"session_id"`
	DurationMinutes int       `json:"duration_minutes"`
}

type ClientManualEnd struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
}

type ClientTimerSyncRequest struct {
	Type                      EventType `json:"type"`
	SessionID                 string    `json:"session_id"`
	EstimatedRemainingSeconds int       `json:"estimated_remaining_seconds"`
}

type ClientPauseSimulation struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
}

type ClientResumeSimulation struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
}

type PartnerJoined struct {
	Type        EventType   `json:"type"`
	Participant Participant `json:"participant"`
}

type PartnerListUpdated struct {
	Type         EventType     `json:"type"`
	Participants []Participant `json:"participants"`
}

type PartnerReadyChanged struct {
	Type    EventType `json:"type"`
	UserID  string    `json:"user_id"`
	IsReady bool      `json:"is_ready"`
}

type PartnerLeft struct {
	Type   EventType `json:"type"`
	UserID string    `json:"user_id"`
	Reason string    `json:"reason,omitempty"`
}

type SimulationStarted struct {
	Type            EventType `json:"type"`
	DurationSeconds int       `json:"duration_seconds"`
}

type SimulationPaused struct {
	Type             EventType `json:"type"`
	RemainingSeconds int       `json:"remaining_seconds"`
	PausedBy         string    `json:"paused_by,omitempty"`
}

type SimulationResumed struct {
	Type             EventType `json:"type"`
	RemainingSeconds int       `json:"remaining_seconds"`
	ResumedBy        string    `json:"resumed_by,omitempty"`
}

type TimerTick struct {
	Type             EventType `json:"type"`
	RemainingSeconds int       `json:"remaining_seconds"`
}

// TimerSync is the direct reply to a ClientTimerSyncRequest after the hub
// reconciled its countdown with the client's estimate.
type TimerSync struct {
	Type             EventType `json:"type"`
	RemainingSeconds int       `json:"remaining_seconds"`
	IsPaused         bool      `json:"is_paused"`
}

type TimerEnded struct {
	Type EventType `json:"type"`
}

type TimerStopped struct {
	Type   EventType `json:"type"`
	Reason string    `json:"reason"`
}

type ServerError struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

// ParseClientEvent decodes and validates an intent sent by a simulation
// client.
func ParseClientEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientReady:
		var msg ClientReady
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.UserID == "" {
			return nil, errors.New("invalid client_ready")
		}
		return msg, nil
	case TypeClientUnready:
		var msg ClientUnready
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.UserID == "" {
			return nil, errors.New("invalid client_unready")
		}
		return msg, nil
	case TypeClientStartSimulation:
		var msg ClientStartSimulation
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.DurationMinutes <= 0 {
			return nil, errors.New("invalid client_start_simulation")
		}
		return msg, nil
	case TypeClientManualEnd:
		var msg ClientManualEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_manual_end_simulation")
		}
		return msg, nil
	case TypeClientTimerSyncRequest:
		var msg ClientTimerSyncRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.EstimatedRemainingSeconds < 0 {
			return nil, errors.New("invalid client_timer_sync_request")
		}
		return msg, nil
	case TypeClientPauseSimulation:
		var msg ClientPauseSimulation
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_pause_simulation")
		}
		return msg, nil
	case TypeClientResumeSimulation:
		var msg ClientResumeSimulation
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_resume_simulation")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerEvent decodes an event pushed by the hub. Unknown types are
// reported as ErrUnsupportedType so the transport can skip them without
// tearing the connection down.
func ParseServerEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypePartnerJoined:
		var msg PartnerJoined
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Participant.UserID == "" {
			return nil, errors.New("invalid partner_joined")
		}
		return msg, nil
	case TypePartnerListUpdated:
		var msg PartnerListUpdated
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePartnerReady:
		var msg PartnerReadyChanged
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.UserID == "" {
			return nil, errors.New("invalid partner_ready_changed")
		}
		return msg, nil
	case TypePartnerLeft:
		var msg PartnerLeft
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSimulationStarted:
		var msg SimulationStarted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.DurationSeconds <= 0 {
			return nil, errors.New("invalid simulation_started")
		}
		return msg, nil
	case TypeSimulationPaused:
		var msg SimulationPaused
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSimulationResumed:
		var msg SimulationResumed
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTimerTick:
		var msg TimerTick
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RemainingSeconds < 0 {
			return nil, errors.New("invalid timer_tick")
		}
		return msg, nil
	case TypeTimerSync:
		var msg TimerSync
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTimerEnded:
		var msg TimerEnded
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTimerStopped:
		var msg TimerStopped
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeServerError:
		var msg ServerError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the wire type of a typed event value. Used for metrics
// labels.
func TypeOf(msg any) (EventType, bool) {
	switch m := msg.(type) {
	case ClientReady:
		return m.Type, true
	case ClientUnready:
		return m.Type, true
	case ClientStartSimulation:
		return m.Type, true
	case ClientManualEnd:
		return m.Type, true
	case ClientTimerSyncRequest:
		return m.Type, true
	case ClientPauseSimulation:
		return m.Type, true
	case ClientResumeSimulation:
		return m.Type, true
	case PartnerJoined:
		return m.Type, true
	case PartnerListUpdated:
		return m.Type, true
	case PartnerReadyChanged:
		return m.Type, true
	case PartnerLeft:
		return m.Type, true
	case SimulationStarted:
		return m.Type, true
	case SimulationPaused:
		return m.Type, true
	case SimulationResumed:
		return m.Type, true
	case TimerTick:
		return m.Type, true
	case TimerSync:
		return m.Type, true
	case TimerEnded:
		return m.Type, true
	case TimerStopped:
		return m.Type, true
	case ServerError:
		return m.Type, true
	default:
		return "", false
	}
}
