package session

import (
	"github.com/rs/zerolog"

	"github.com/rgalvao/examroom/internal/presence"
	"github.com/rgalvao/examroom/internal/protocol"
)

// Pauser is the slice of the countdown clock the pause events drive.
type Pauser interface {
	Pause()
	Resume()
}

// Binding implements the transport's event handler: it routes parsed hub
// events into the presence bridge, the coordinator and the clock. One
// binding serves one connection for one session.
type Binding struct {
	coord  *Coordinator
	bridge *presence.Bridge
	pauser Pauser
	log    zerolog.Logger
}

func NewBinding(coord *Coordinator, bridge *presence.Bridge, pauser Pauser, log zerolog.Logger) *Binding {
	return &Binding{coord: coord, bridge: bridge, pauser: pauser, log: log}
}

func (b *Binding) OnConnected() {
	b.coord.HandleConnected()
}

func (b *Binding) OnDisconnected(abnormal bool) {
	if abnormal {
		b.log.Warn().Msg("lost the coordination server")
	}
	b.coord.HandleDisconnected()
}

func (b *Binding) OnServerEvent(msg any) {
	switch m := msg.(type) {
	case protocol.PartnerJoined:
		b.bridge.ApplyPartnerJoined(m.Participant)
		b.coord.HandleRemoteReady()
	case protocol.PartnerListUpdated:
		b.bridge.ApplyPartnerList(m.Participants)
		b.coord.HandleRemoteReady()
	case protocol.PartnerReadyChanged:
		b.bridge.ApplyReadyChanged(m.UserID, m.IsReady)
		b.coord.HandleRemoteReady()
	case protocol.PartnerLeft:
		b.bridge.ApplyPartnerLeft()
		b.coord.HandlePartnerLost()
	case protocol.SimulationStarted:
		b.coord.HandleRemoteStart(m.DurationSeconds)
	case protocol.SimulationPaused:
		if b.pauser != nil {
			b.pauser.Pause()
		}
	case protocol.SimulationResumed:
		if b.pauser != nil {
			b.pauser.Resume()
		}
	case protocol.TimerTick:
		b.coord.HandleRemoteTimerTick(m.RemainingSeconds)
	case protocol.TimerSync:
		b.coord.HandleRemoteTimerTick(m.RemainingSeconds)
		if b.pauser != nil && m.IsPaused {
			b.pauser.Pause()
		}
	case protocol.TimerEnded:
		b.coord.HandleTimerEnded()
	case protocol.TimerStopped:
		b.coord.HandleRemoteStopped(m.Reason)
	case protocol.ServerError:
		b.log.Warn().Str("message", m.Message).Msg("coordination server reported an error")
	default:
		b.log.Debug().Msgf("unhandled server event %T", msg)
	}
}
