package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Mode says which side owns the countdown. Once a run switches to
// ModeLocal the local tick is authoritative and server values are dropped
// until the next run, so a late or duplicated network message can never
// rewind a clock the user is already watching.
type Mode string

const (
	ModeServerSynced Mode = "server_synced"
	ModeLocal        Mode = "local"
)

// driftLogToleranceSeconds is the delta below which a server correction is
// considered normal jitter and applied without a log line.
const driftLogToleranceSeconds = 2

// State is an immutable view of the countdown.
type State struct {
	RemainingSeconds int  `json:"remaining_seconds"`
	Mode             Mode `json:"mode"`
	Paused           bool `json:"paused"`
	Running          bool `json:"running"`
}

// Callbacks receive countdown signals. OnTick fires after every applied
// change to the remaining time; OnExpire fires exactly once per run when
// the countdown crosses zero. Both are invoked from the tick goroutine
// and must not block for long.
type Callbacks struct {
	OnTick   func(remainingSeconds int)
	OnExpire func()
}

// Clock is the simulation countdown. It starts in ModeServerSynced, where
// inbound server values are adopted as-is; Start switches it to ModeLocal
// for the run and drives a one-second tick.
type Clock struct {
	clk clockwork.Clock
	log zerolog.Logger
	cb  Callbacks

	mu        sync.Mutex
	remaining int
	mode      Mode
	paused    bool
	running   bool
	expired   bool
	stop      chan struct{}
}

func New(clk clockwork.Clock, log zerolog.Logger, cb Callbacks) *Clock {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Clock{
		clk:  clk,
		log:  log,
		cb:   cb,
		mode: ModeServerSynced,
	}
}

// Start resets the countdown to initialSeconds, switches to ModeLocal and
// begins ticking once per second. A previous run's ticker is released
// first.
func (c *Clock) Start(initialSeconds int) {
	if initialSeconds < 0 {
		initialSeconds = 0
	}

	c.mu.Lock()
	c.stopLocked()
	c.remaining = initialSeconds
	c.mode = ModeLocal
	c.paused = false
	c.expired = false
	c.running = true
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	c.log.Info().Int("initial_seconds", initialSeconds).Msg("local countdown started")

	go c.run(stop)
}

func (c *Clock) run(stop chan struct{}) {
	ticker := c.clk.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if done := c.tick(); done {
				return
			}
		}
	}
}

// tick applies one local second. Returns true when the run is over.
func (c *Clock) tick() bool {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return true
	}
	if c.paused {
		c.mu.Unlock()
		return false
	}

	c.remaining--
	if c.remaining < 0 {
		c.remaining = 0
	}
	remaining := c.remaining

	var expire bool
	if remaining == 0 && !c.expired {
		c.expired = true
		c.running = false
		expire = true
	}
	c.mu.Unlock()

	if c.cb.OnTick != nil {
		c.cb.OnTick(remaining)
	}
	if expire {
		if c.cb.OnExpire != nil {
			c.cb.OnExpire()
		}
		return true
	}
	return false
}

// SyncFromServer adopts a server-reported remaining time. Dropped
// silently while the run is in ModeLocal. Deltas above a couple of
// seconds are logged as drift; smaller ones are expected jitter.
func (c *Clock) SyncFromServer(remainingSeconds int) {
	if remainingSeconds < 0 {
		remainingSeconds = 0
	}

	c.mu.Lock()
	if c.mode == ModeLocal {
		c.mu.Unlock()
		return
	}

	drift := c.remaining - remainingSeconds
	if drift < 0 {
		drift = -drift
	}
	previous := c.remaining
	c.remaining = remainingSeconds
	c.mu.Unlock()

	if drift > driftLogToleranceSeconds {
		c.log.Info().
			Int("server_seconds", remainingSeconds).
			Int("local_seconds", previous).
			Int("drift_seconds", drift).
			Msg("countdown reconciled with server")
	}

	if c.cb.OnTick != nil {
		c.cb.OnTick(remainingSeconds)
	}
}

// Pause suspends local ticking. Presentation-only: nothing is sent
// outward and the negotiated duration is unchanged.
func (c *Clock) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *Clock) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Stop freezes the remaining time at its current value and releases the
// tick interval.
func (c *Clock) Stop() {
	c.mu.Lock()
	c.stopLocked()
	c.running = false
	c.mu.Unlock()
}

func (c *Clock) stopLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Clock) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *Clock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Clock) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Clock) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		RemainingSeconds: c.remaining,
		Mode:             c.mode,
		Paused:           c.paused,
		Running:          c.running,
	}
}

// FormatTime renders whole seconds as a zero-padded MM:SS display.
// Negative input clamps to 00:00.
func FormatTime(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
