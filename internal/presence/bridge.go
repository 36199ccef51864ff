package presence

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/rgalvao/examroom/internal/protocol"
)

// Bridge tracks the single remote participant of a session: last-known
// identity plus readiness. The facts it holds are derived from inbound
// events only; nothing here is ever asserted locally. The model supports
// exactly one counterpart per session.
type Bridge struct {
	selfUserID string
	log        zerolog.Logger
	onChange   func()

	mu      sync.RWMutex
	partner *protocol.Participant
}

// NewBridge returns a bridge that filters out the local participant by
// selfUserID. onChange, if set, fires after every mutation that changed
// an observable fact.
func NewBridge(selfUserID string, log zerolog.Logger, onChange func()) *Bridge {
	return &Bridge{
		selfUserID: selfUserID,
		log:        log,
		onChange:   onChange,
	}
}

// ApplyPartnerJoined adopts a newly announced participant unless it is
// the local one echoed back.
func (b *Bridge) ApplyPartnerJoined(p protocol.Participant) {
	if p.UserID == "" || p.UserID == b.selfUserID {
		return
	}

	b.mu.Lock()
	adopted := p
	b.partner = &adopted
	b.mu.Unlock()

	b.log.Debug().Str("partner_id", p.UserID).Str("partner_role", p.Role).Bool("ready", p.IsReady).Msg("partner joined")
	b.notify()
}

// ApplyPartnerList adopts the counterpart from a full participant list,
// or clears it when the list holds nobody but us.
func (b *Bridge) ApplyPartnerList(participants []protocol.Participant) {
	var other *protocol.Participant
	for i := range participants {
		if participants[i].UserID != "" && participants[i].UserID != b.selfUserID {
			other = &participants[i]
			break
		}
	}

	b.mu.Lock()
	changed := false
	if other == nil {
		if b.partner != nil {
			b.partner = nil
			changed = true
		}
	} else {
		adopted := *other
		if b.partner == nil || *b.partner != adopted {
			b.partner = &adopted
			changed = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify()
	}
}

// ApplyReadyChanged updates the partner's readiness flag. Events about
// the local participant or an unknown partner are ignored; readiness can
// only hold while the partner is present.
func (b *Bridge) ApplyReadyChanged(userID string, ready bool) {
	if userID == "" || userID == b.selfUserID {
		return
	}

	b.mu.Lock()
	if b.partner == nil || b.partner.UserID != userID {
		b.mu.Unlock()
		return
	}
	changed := b.partner.IsReady != ready
	b.partner.IsReady = ready
	b.mu.Unlock()

	if changed {
		b.notify()
	}
}

// ApplyPartnerLeft clears identity and forces readiness back to false.
// What that means for the local side (reset or review mode) is the
// coordinator's call.
func (b *Bridge) ApplyPartnerLeft() {
	b.mu.Lock()
	had := b.partner != nil
	b.partner = nil
	b.mu.Unlock()

	if had {
		b.log.Debug().Msg("partner left")
		b.notify()
	}
}

func (b *Bridge) PartnerPresent() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.partner != nil
}

func (b *Bridge) PartnerReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.partner != nil && b.partner.IsReady
}

// Partner returns a copy of the last-known counterpart, if any.
func (b *Bridge) Partner() (protocol.Participant, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.partner == nil {
		return protocol.Participant{}, false
	}
	return *b.partner, true
}

func (b *Bridge) notify() {
	if b.onChange != nil {
		b.onChange()
	}
}
