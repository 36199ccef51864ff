package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/rgalvao/examroom/internal/protocol"
	"github.com/rgalvao/examroom/internal/reliability"
)

const (
	handshakeTimeout = 4 * time.Second
	writeTimeout     = 3 * time.Second

	redialAttempts = 5
	redialBase     = 500 * time.Millisecond
	redialCap      = 8 * time.Second
)

// ErrNotConnected is returned by send methods while no websocket is live.
var ErrNotConnected = errors.New("websocket not connected")

// errHandshakeRejected marks a dial the server refused outright, with a
// status that redialing the same credentials cannot fix.
var errHandshakeRejected = errors.New("handshake rejected")

// EventHandler receives connection lifecycle changes and parsed hub
// events. Calls arrive from the manager's read goroutine, one at a time.
type EventHandler interface {
	OnConnected()
	// OnDisconnected fires when the connection is gone for good: either a
	// deliberate local close (abnormal=false) or after redialing failed.
	OnDisconnected(abnormal bool)
	OnServerEvent(msg any)
}

// Credentials identifies this participant to the hub. They travel as
// query parameters on the websocket handshake.
type Credentials struct {
	SessionID   string
	UserID      string
	Role        string
	StationID   string
	DisplayName string
}

// Options configures a ConnectionManager.
type Options struct {
	URL         string
	Credentials Credentials
	Handler     EventHandler
	Logger      zerolog.Logger
	// Reviewing suppresses the disconnect warning while the session sits
	// in its post-run review, where partner or server loss is expected.
	Reviewing func() bool
	Clock     clockwork.Clock
}

// ConnectionManager owns the client side of the coordination websocket:
// dialing, the read loop, redialing after recoverable drops and the
// serialized outbound writes. It implements the coordinator's outbound
// interface.
type ConnectionManager struct {
	wsURL     string
	creds     Credentials
	handler   EventHandler
	log       zerolog.Logger
	reviewing func() bool
	clk       clockwork.Clock
	dialer    websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	localClose bool
}

func NewConnectionManager(opts Options) (*ConnectionManager, error) {
	wsURL, err := normalizeWSURL(opts.URL)
	if err != nil {
		return nil, err
	}
	if opts.Credentials.SessionID == "" || opts.Credentials.UserID == "" || opts.Credentials.Role == "" {
		return nil, errors.New("session_id, user_id and role are required")
	}
	if opts.Handler == nil {
		return nil, errors.New("event handler is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	reviewing := opts.Reviewing
	if reviewing == nil {
		reviewing = func() bool { return false }
	}
	return &ConnectionManager{
		wsURL:     wsURL,
		creds:     opts.Credentials,
		handler:   opts.Handler,
		log:       opts.Logger,
		reviewing: reviewing,
		clk:       clk,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}, nil
}

func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("coordination server url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse coordination server url: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported coordination url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (m *ConnectionManager) dialURL() string {
	u, _ := url.Parse(m.wsURL)
	q := u.Query()
	q.Set("session_id", m.creds.SessionID)
	q.Set("user_id", m.creds.UserID)
	q.Set("role", m.creds.Role)
	if m.creds.StationID != "" {
		q.Set("station_id", m.creds.StationID)
	}
	if m.creds.DisplayName != "" {
		q.Set("display_name", m.creds.DisplayName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect dials the hub and starts the read loop. It returns once the
// handshake completed; events arrive on the handler afterwards.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.localClose = false
	m.mu.Unlock()

	m.handler.OnConnected()
	go m.readLoop(ctx, conn)
	return nil
}

func (m *ConnectionManager) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := m.dialer.DialContext(ctx, m.dialURL(), nil)
	if err != nil {
		if resp != nil {
			if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				return nil, fmt.Errorf("dial coordination server: %w (status %d): %w", err, resp.StatusCode, errHandshakeRejected)
			}
			return nil, fmt.Errorf("dial coordination server: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial coordination server: %w", err)
	}
	return conn, nil
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if m.isLocalClose() {
				m.handler.OnDisconnected(false)
				return
			}
			if ctx.Err() != nil {
				m.handler.OnDisconnected(false)
				return
			}
			if m.reviewing() {
				m.log.Info().Err(err).Msg("connection closed during review, not redialing")
				m.handler.OnDisconnected(false)
				return
			}
			next, ok := m.redial(ctx, err)
			if !ok {
				m.handler.OnDisconnected(true)
				return
			}
			conn = next
			m.handler.OnConnected()
			continue
		}

		msg, err := protocol.ParseServerEvent(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedType) {
				m.log.Debug().Str("raw", string(raw)).Msg("unknown server event, skipped")
				continue
			}
			m.log.Warn().Err(err).Msg("malformed server event, skipped")
			continue
		}
		m.handler.OnServerEvent(msg)
	}
}

// redial attempts to re-establish the websocket after a recoverable
// drop. A non-recoverable close code gives up immediately.
func (m *ConnectionManager) redial(ctx context.Context, cause error) (*websocket.Conn, bool) {
	var closeErr *websocket.CloseError
	if errors.As(cause, &closeErr) && !reliability.IsRecoverableCloseCode(closeErr.Code) {
		m.log.Warn().Int("close_code", closeErr.Code).Msg("connection closed, not recoverable")
		return nil, false
	}
	m.log.Warn().Err(cause).Msg("connection lost, redialing")

	for attempt := 0; attempt < redialAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-m.clk.After(reliability.ExponentialBackoff(attempt, redialBase, redialCap)):
		}
		if m.isLocalClose() {
			return nil, false
		}
		conn, err := m.dial(ctx)
		if err != nil {
			if errors.Is(err, errHandshakeRejected) {
				m.log.Warn().Err(err).Msg("server rejected the handshake, giving up")
				return nil, false
			}
			m.log.Warn().Err(err).Int("attempt", attempt+1).Msg("redial failed")
			continue
		}
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.log.Info().Int("attempt", attempt+1).Msg("reconnected to coordination server")
		return conn, true
	}
	return nil, false
}

func (m *ConnectionManager) isLocalClose() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localClose
}

// Close ends the connection deliberately with a normal close frame. No
// redial follows.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.localClose = true
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(writeTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		conn.Close()
		return err
	}
	return conn.Close()
}

func (m *ConnectionManager) writeJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.localClose {
		return ErrNotConnected
	}
	if err := m.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return m.conn.WriteJSON(v)
}

func (m *ConnectionManager) SendReady() error {
	return m.writeJSON(protocol.ClientReady{
		Type:      protocol.TypeClientReady,
		SessionID: m.creds.SessionID,
		UserID:    m.creds.UserID,
	})
}

func (m *ConnectionManager) SendUnready() error {
	return m.writeJSON(protocol.ClientUnready{
		Type:      protocol.TypeClientUnready,
		SessionID: m.creds.SessionID,
		UserID:    m.creds.UserID,
	})
}

func (m *ConnectionManager) SendStart(durationMinutes int) error {
	return m.writeJSON(protocol.ClientStartSimulation{
		Type:            protocol.TypeClientStartSimulation,
		SessionID:       m.creds.SessionID,
		DurationMinutes: durationMinutes,
	})
}

func (m *ConnectionManager) SendManualEnd() error {
	return m.writeJSON(protocol.ClientManualEnd{
		Type:      protocol.TypeClientManualEnd,
		SessionID: m.creds.SessionID,
	})
}

func (m *ConnectionManager) SendTimerSyncRequest(estimatedRemainingSeconds int) error {
	return m.writeJSON(protocol.ClientTimerSyncRequest{
		Type:                      protocol.TypeClientTimerSyncRequest,
		SessionID:                 m.creds.SessionID,
		EstimatedRemainingSeconds: estimatedRemainingSeconds,
	})
}

func (m *ConnectionManager) SendPause() error {
	return m.writeJSON(protocol.ClientPauseSimulation{
		Type:      protocol.TypeClientPauseSimulation,
		SessionID: m.creds.SessionID,
	})
}

func (m *ConnectionManager) SendResume() error {
	return m.writeJSON(protocol.ClientResumeSimulation{
		Type:      protocol.TypeClientResumeSimulation,
		SessionID: m.creds.SessionID,
	})
}
