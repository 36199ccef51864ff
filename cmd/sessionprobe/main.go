package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rgalvao/examroom/internal/clock"
	"github.com/rgalvao/examroom/internal/presence"
	"github.com/rgalvao/examroom/internal/recovery"
	"github.com/rgalvao/examroom/internal/session"
	"github.com/rgalvao/examroom/internal/transport"
)

type options struct {
	serverURL   string
	sessionID   string
	stationID   string
	userID      string
	displayName string
	role        session.Role
	duration    int
	standalone  bool
	stateFile   string
	syncEvery   time.Duration
	endAfter    time.Duration
	timeout     time.Duration
	verbose     bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sessionprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "sessionprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var roleRaw string
	var syncEverySec int
	var endAfterSec int
	var timeoutMin int

	flag.StringVar(&cfg.serverURL, "url", "http://127.0.0.1:8080", "coordination server base URL")
	flag.StringVar(&cfg.sessionID, "session", "", "session id to join (required)")
	flag.StringVar(&cfg.stationID, "station", "", "optional station id")
	flag.StringVar(&cfg.userID, "user", "probe", "user id for this participant")
	flag.StringVar(&cfg.displayName, "display-name", "", "optional display name")
	flag.StringVar(&roleRaw, "role", "candidate", "participant role: candidate, actor or evaluator")
	flag.IntVar(&cfg.duration, "duration", 10, "simulation duration in minutes (examiner roles)")
	flag.BoolVar(&cfg.standalone, "standalone", false, "run a local-only session with no server")
	flag.StringVar(&cfg.stateFile, "state-file", "", "path for the recovery snapshot file (default: in-memory)")
	flag.IntVar(&syncEverySec, "sync-every-sec", 30, "timer sync request interval in seconds (0 disables)")
	flag.IntVar(&endAfterSec, "end-after-sec", 0, "end the running simulation manually after this many seconds (0 disables)")
	flag.IntVar(&timeoutMin, "timeout-min", 30, "give up after this many minutes")
	flag.BoolVar(&cfg.verbose, "verbose", false, "debug logging")
	flag.Parse()

	cfg.sessionID = strings.TrimSpace(cfg.sessionID)
	if cfg.sessionID == "" {
		return options{}, fmt.Errorf("session is required")
	}
	cfg.userID = strings.TrimSpace(cfg.userID)
	if cfg.userID == "" {
		return options{}, fmt.Errorf("user is required")
	}
	cfg.role = session.Role(strings.TrimSpace(roleRaw))
	if !cfg.role.Valid() {
		return options{}, fmt.Errorf("unknown role %q", roleRaw)
	}
	if cfg.duration <= 0 {
		return options{}, fmt.Errorf("duration must be > 0")
	}
	if cfg.standalone && !cfg.role.Examiner() {
		return options{}, fmt.Errorf("standalone sessions need an examiner role to start themselves")
	}
	if endAfterSec > 0 && !cfg.role.Examiner() {
		return options{}, fmt.Errorf("end-after-sec needs an examiner role")
	}
	if syncEverySec < 0 {
		syncEverySec = 0
	}
	if timeoutMin <= 0 {
		timeoutMin = 30
	}
	cfg.syncEvery = time.Duration(syncEverySec) * time.Second
	cfg.endAfter = time.Duration(endAfterSec) * time.Second
	cfg.timeout = time.Duration(timeoutMin) * time.Minute
	return cfg, nil
}

// handlerRelay lets the connection manager be constructed before the
// binding that will handle its events. The inner handler is set exactly
// once, before Connect.
type handlerRelay struct {
	inner transport.EventHandler
}

func (r *handlerRelay) OnConnected()            { r.inner.OnConnected() }
func (r *handlerRelay) OnDisconnected(abn bool) { r.inner.OnDisconnected(abn) }
func (r *handlerRelay) OnServerEvent(msg any)   { r.inner.OnServerEvent(msg) }

// chanEvaluator delivers the terminal result to the main goroutine.
type chanEvaluator struct {
	ch chan session.Result
}

func (e *chanEvaluator) BeginEvaluation(res session.Result) {
	select {
	case e.ch <- res:
	default:
	}
}

func run(cfg options) error {
	level := zerolog.InfoLevel
	if cfg.verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "sessionprobe").Logger()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	var snapStore recovery.Store
	if cfg.stateFile != "" {
		fileStore, err := recovery.NewFileStore(cfg.stateFile)
		if err != nil {
			return fmt.Errorf("open state file: %w", err)
		}
		snapStore = fileStore
	} else {
		snapStore = recovery.NewInMemoryStore()
	}
	guard := recovery.NewGuard(snapStore, cfg.sessionID, recovery.GuardOptions{Logger: log})

	id := session.Identity{
		SessionID:   cfg.sessionID,
		StationID:   cfg.stationID,
		UserID:      cfg.userID,
		DisplayName: cfg.displayName,
		Role:        cfg.role,
	}
	if err := guard.SaveIdentity(id); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}

	rec, err := guard.TryRecover()
	if err != nil {
		return fmt.Errorf("inspect saved session: %w", err)
	}
	if rec != nil && rec.Run != session.RunRunning {
		// Nothing worth replaying pre-start; a fresh join covers it.
		if err := rec.Abandon(); err != nil {
			log.Warn().Err(err).Msg("abandon stale snapshot failed")
		}
		rec = nil
	}

	resultCh := make(chan session.Result, 1)
	expiredCh := make(chan struct{}, 1)

	countdown := clock.New(nil, log.With().Str("component", "clock").Logger(), clock.Callbacks{
		OnTick: func(remaining int) {
			if remaining%10 == 0 || remaining <= 5 {
				fmt.Printf("sessionprobe: %s remaining\n", clock.FormatTime(remaining))
			}
		},
		OnExpire: func() {
			select {
			case expiredCh <- struct{}{}:
			default:
			}
		},
	})

	mode := session.RemoteSession
	if cfg.standalone {
		mode = session.LocalOnlySession
	}

	var conn *transport.ConnectionManager
	relay := &handlerRelay{}
	if !cfg.standalone {
		conn, err = transport.NewConnectionManager(transport.Options{
			URL: cfg.serverURL,
			Credentials: transport.Credentials{
				SessionID:   cfg.sessionID,
				UserID:      cfg.userID,
				Role:        string(cfg.role),
				StationID:   cfg.stationID,
				DisplayName: cfg.displayName,
			},
			Handler: relay,
			Logger:  log.With().Str("component", "transport").Logger(),
		})
		if err != nil {
			return fmt.Errorf("connection setup: %w", err)
		}
	}

	bridge := presence.NewBridge(cfg.userID, log.With().Str("component", "presence").Logger(), nil)

	// OnChange fires from the countdown, transport and signal goroutines
	// alike, so the transition tracking needs a lock.
	var runMu sync.Mutex
	lastRun := session.RunNotStarted
	coordOpts := session.Options{
		Mode:      mode,
		Clock:     countdown,
		Presence:  bridge,
		Evaluator: &chanEvaluator{ch: resultCh},
		Logger:    log.With().Str("component", "session").Logger(),
		OnChange: func(snap session.Snapshot) {
			runMu.Lock()
			changed := snap.Run != lastRun
			lastRun = snap.Run
			runMu.Unlock()
			if changed {
				fmt.Printf("sessionprobe: run state %s\n", snap.Run)
			}
			if err := guard.SaveSnapshot(snap, countdown.Remaining(), countdown.Paused()); err != nil {
				log.Warn().Err(err).Msg("snapshot save failed")
			}
		},
	}
	if conn != nil {
		coordOpts.Outbound = conn
	}
	coord := session.New(id, coordOpts)
	relay.inner = session.NewBinding(coord, bridge, countdown, log.With().Str("component", "binding").Logger())

	if rec != nil {
		fmt.Printf("sessionprobe: resuming saved run, %s remaining\n", clock.FormatTime(rec.EstimatedRemainingSeconds))
		if err := rec.Resume(); err != nil {
			log.Warn().Err(err).Msg("resume bookkeeping failed")
		}
		coord.RestoreRun(rec.Run, rec.DurationSeconds, rec.StartedAt)
		countdown.Start(rec.EstimatedRemainingSeconds)
		if rec.Paused {
			countdown.Pause()
		}
	}

	if cfg.standalone {
		return runStandalone(ctx, cfg, coord, countdown, guard, resultCh, expiredCh)
	}
	return runRemote(ctx, cfg, coord, countdown, conn, guard, resultCh, expiredCh, log)
}

func runStandalone(ctx context.Context, cfg options, coord *session.Coordinator, countdown *clock.Clock, guard *recovery.Guard, resultCh <-chan session.Result, expiredCh <-chan struct{}) error {
	if coord.Run() != session.RunRunning {
		if err := coord.MarkSelfReady(); err != nil {
			return fmt.Errorf("mark ready: %w", err)
		}
		if err := coord.RequestStart(cfg.duration); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		fmt.Printf("sessionprobe: standalone run started, %s on the clock\n", clock.FormatTime(cfg.duration*60))
	}
	return awaitEnd(ctx, cfg, coord, countdown, guard, resultCh, expiredCh)
}

func runRemote(ctx context.Context, cfg options, coord *session.Coordinator, countdown *clock.Clock, conn *transport.ConnectionManager, guard *recovery.Guard, resultCh <-chan session.Result, expiredCh <-chan struct{}, log zerolog.Logger) error {
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if coord.Run() != session.RunRunning {
		if err := coord.MarkSelfReady(); err != nil {
			// The examiner's ready is gated on the candidate; poll until the
			// partner side lets us through.
			if err := awaitReadyWindow(ctx, coord); err != nil {
				return err
			}
		}
		fmt.Println("sessionprobe: ready declared, waiting for the session")

		if cfg.role.Examiner() {
			if err := awaitActivation(ctx, coord); err != nil {
				return err
			}
			if err := coord.RequestStart(cfg.duration); err != nil {
				return fmt.Errorf("start: %w", err)
			}
			fmt.Printf("sessionprobe: start requested, %d minutes\n", cfg.duration)
		}
	}

	if cfg.syncEvery > 0 {
		go func() {
			ticker := time.NewTicker(cfg.syncEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if coord.Run() != session.RunRunning {
						continue
					}
					if err := conn.SendTimerSyncRequest(countdown.Remaining()); err != nil {
						log.Debug().Err(err).Msg("timer sync request failed")
					}
				}
			}
		}()
	}

	if cfg.endAfter > 0 {
		go func() {
			if err := awaitRunning(ctx, coord); err != nil {
				return
			}
			select {
			case <-ctx.Done():
			case <-time.After(cfg.endAfter):
				if err := coord.RequestManualEnd(); err != nil {
					log.Warn().Err(err).Msg("manual end failed")
				}
			}
		}()
	}

	return awaitEnd(ctx, cfg, coord, countdown, guard, resultCh, expiredCh)
}

func awaitEnd(ctx context.Context, cfg options, coord *session.Coordinator, countdown *clock.Clock, guard *recovery.Guard, resultCh <-chan session.Result, expiredCh <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out after %s", cfg.timeout)
		case <-expiredCh:
			// The local zero crossing is the natural end even if the hub's
			// own timer_ended never arrives.
			coord.HandleTimerEnded()
		case res := <-resultCh:
			fmt.Printf("sessionprobe: simulation %s after %s, %s unused\n",
				res.Run, res.EndedAt.Sub(res.StartedAt).Round(time.Second), clock.FormatTime(res.RemainingSeconds))
			countdown.Stop()
			cancelClear := guard.ScheduleClear()
			defer cancelClear()
			// Let the grace window elapse so the snapshot is really gone.
			select {
			case <-time.After(recovery.DefaultClearGrace + time.Second):
			case <-ctx.Done():
			}
			return nil
		}
	}
}

func awaitReadyWindow(ctx context.Context, coord *session.Coordinator) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting to declare ready")
		case <-ticker.C:
			err := coord.MarkSelfReady()
			if err == nil {
				return nil
			}
			if coord.Run() == session.RunRunning {
				return nil
			}
		}
	}
}

func awaitActivation(ctx context.Context, coord *session.Coordinator) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for activation")
		case <-ticker.C:
			if coord.Activated() && coord.BothReady() {
				return nil
			}
		}
	}
}

func awaitRunning(ctx context.Context, coord *session.Coordinator) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if coord.Run() == session.RunRunning {
				return nil
			}
		}
	}
}
