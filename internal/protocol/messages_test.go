package protocol

import (
	"errors"
	"testing"
)

func TestParseClientEventReady(t *testing.T) {
	raw := []byte(`{"type":"client_ready","session_id":"s1","user_id":"u1"}`)
	msg, err := ParseClientEvent(raw)
	if err != nil {
		t.Fatalf("ParseClientEvent() error = %v", err)
	}

	ready, ok := msg.(ClientReady)
	if !ok {
		t.Fatalf("event type = %T, want ClientReady", msg)
	}
	if ready.SessionID != "s1" || ready.UserID != "u1" {
		t.Fatalf("unexpected client_ready: %+v", ready)
	}
}

func TestParseClientEventStartSimulation(t *testing.T) {
	raw := []byte(`{"type":"client_start_simulation","session_id":"s1","duration_minutes":10}`)
	msg, err := ParseClientEvent(raw)
	if err != nil {
		t.Fatalf("ParseClientEvent() error = %v", err)
	}

	start, ok := msg.(ClientStartSimulation)
	if !ok {
		t.Fatalf("event type = %T, want ClientStartSimulation", msg)
	}
	if start.DurationMinutes != 10 {
		t.Fatalf("DurationMinutes = %d, want 10", start.DurationMinutes)
	}
}

func TestParseClientEventRejectsUnknownType(t *testing.T) {
	_, err := ParseClientEvent([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientEventRejectsZeroDuration(t *testing.T) {
	_, err := ParseClientEvent([]byte(`{"type":"client_start_simulation","session_id":"s1","duration_minutes":0}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientEventTimerSyncRequest(t *testing.T) {
	raw := []byte(`{"type":"client_timer_sync_request","session_id":"s1","estimated_remaining_seconds":370}`)
	msg, err := ParseClientEvent(raw)
	if err != nil {
		t.Fatalf("ParseClientEvent() error = %v", err)
	}

	sync, ok := msg.(ClientTimerSyncRequest)
	if !ok {
		t.Fatalf("event type = %T, want ClientTimerSyncRequest", msg)
	}
	if sync.EstimatedRemainingSeconds != 370 {
		t.Fatalf("EstimatedRemainingSeconds = %d, want 370", sync.EstimatedRemainingSeconds)
	}
}

func TestParseServerEventPartnerListUpdated(t *testing.T) {
	raw := []byte(`{"type":"partner_list_updated","participants":[{"user_id":"u1","role":"candidate","is_ready":true},{"user_id":"u2","role":"evaluator","is_ready":false}]}`)
	msg, err := ParseServerEvent(raw)
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}

	list, ok := msg.(PartnerListUpdated)
	if !ok {
		t.Fatalf("event type = %T, want PartnerListUpdated", msg)
	}
	if len(list.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(list.Participants))
	}
	if !list.Participants[0].IsReady || list.Participants[1].IsReady {
		t.Fatalf("unexpected readiness flags: %+v", list.Participants)
	}
}

func TestParseServerEventTimerStopped(t *testing.T) {
	raw := []byte(`{"type":"timer_stopped","reason":"manual_end"}`)
	msg, err := ParseServerEvent(raw)
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}

	stopped, ok := msg.(TimerStopped)
	if !ok {
		t.Fatalf("event type = %T, want TimerStopped", msg)
	}
	if stopped.Reason != "manual_end" {
		t.Fatalf("Reason = %q, want %q", stopped.Reason, "manual_end")
	}
}

func TestParseServerEventRejectsNonPositiveStart(t *testing.T) {
	_, err := ParseServerEvent([]byte(`{"type":"simulation_started","duration_seconds":0}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestTypeOfCoversClientAndServerEvents(t *testing.T) {
	if typ, ok := TypeOf(TimerTick{Type: TypeTimerTick, RemainingSeconds: 5}); !ok || typ != TypeTimerTick {
		t.Fatalf("TypeOf(TimerTick) = %q, %v", typ, ok)
	}
	if typ, ok := TypeOf(ClientManualEnd{Type: TypeClientManualEnd, SessionID: "s1"}); !ok || typ != TypeClientManualEnd {
		t.Fatalf("TypeOf(ClientManualEnd) = %q, %v", typ, ok)
	}
	if _, ok := TypeOf(struct{}{}); ok {
		t.Fatalf("TypeOf(unknown) should report false")
	}
}
