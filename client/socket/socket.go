// Package socket wraps a websocket connection with reconnect-on-failure
// semantics: bounded exponential backoff, an application-level keepalive
// ping and a permanent drop signal once retries are exhausted.
package socket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gogabok/signaling/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultPingInterval     = 7 * time.Second
	defaultWriteDeadline    = 5 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
)

var (
	ErrNotConnected = errors.New("socket is not connected")
)

// Conn is the subset of *websocket.Conn the socket needs; tests inject
// fakes through Dialer.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	d *websocket.Dialer
}

func (wd wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := wd.d.DialContext(ctx, url, nil) //nolint:bodyclose // gorilla owns the response body
	return conn, err
}

// BackoffFunc computes the next backoff from the attempt number and the
// backoff that was just used. The result is clamped to [0, MaxBackoff].
type BackoffFunc func(attempt int, current time.Duration) time.Duration

type Config struct {
	URL    string
	Dialer Dialer // defaults to gorilla/websocket

	InitialBackoff time.Duration
	MaxBackoff     time.Duration // 0 means unlimited
	MaxRetries     int           // 0 means unlimited
	Backoff        BackoffFunc   // defaults to identity
	PingInterval   time.Duration

	OnOpen      func()
	OnMessage   func(data []byte)
	OnClose     func(code int)
	OnReconnect func()
	OnDrop      func()

	Logger *zerolog.Logger
}

type Socket struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	conn    Conn
	closing bool
	writeMu sync.Mutex

	backoff  time.Duration
	attempts int
	atMax    bool

	// sleep is swappable so tests do not wait out real backoffs.
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(cfg Config) *Socket {
	if cfg.Dialer == nil {
		cfg.Dialer = wsDialer{d: &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}}
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func(_ int, current time.Duration) time.Duration { return current }
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	s := &Socket{
		cfg:     cfg,
		backoff: cfg.InitialBackoff,
		logger:  cfg.Logger.With().Str("component", "socket").Logger(),
	}
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}
	return s
}

// Run connects and keeps the socket alive until ctx is canceled, the
// peer closes normally, Close is called, or retries are exhausted.
func (s *Socket) Run(ctx context.Context) {
	first := true
	for {
		conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("dial failed")
			if !s.retry(ctx) {
				return
			}
			continue
		}

		s.setConn(conn)
		s.resetBackoff()
		if first {
			fire(s.cfg.OnOpen)
			first = false
		} else {
			s.logger.Info().Msg("reconnected")
			fire(s.cfg.OnReconnect)
		}

		pingCtx, stopPing := context.WithCancel(ctx)
		go s.pingLoop(pingCtx, conn)

		code := s.readLoop(conn)

		stopPing()
		s.setConn(nil)
		_ = conn.Close()

		if s.cfg.OnClose != nil {
			s.cfg.OnClose(code)
		}
		if code == websocket.CloseNormalClosure || s.isClosing() || ctx.Err() != nil {
			return
		}
		if !s.retry(ctx) {
			return
		}
	}
}

// retry gates one reconnect attempt. It reports false once the policy is
// exhausted, after firing OnDrop. A Close issued at any point, including
// mid-backoff, stops retrying without counting as a drop.
func (s *Socket) retry(ctx context.Context) bool {
	if s.isClosing() {
		return false
	}
	if s.atMax || (s.cfg.MaxRetries > 0 && s.attempts >= s.cfg.MaxRetries) {
		s.logger.Warn().
			Int("attempts", s.attempts).
			Msg("retries exhausted, dropping connection")
		fire(s.cfg.OnDrop)
		return false
	}

	delay := s.backoff
	s.logger.Debug().
		Dur("backoff", delay).
		Int("attempt", s.attempts+1).
		Msg("scheduling reconnect")
	if !s.sleep(ctx, delay) || s.isClosing() {
		return false
	}

	s.attempts++
	if s.cfg.MaxBackoff > 0 && delay >= s.cfg.MaxBackoff {
		s.atMax = true
	}
	next := s.cfg.Backoff(s.attempts, delay)
	if next < 0 {
		next = 0
	}
	if s.cfg.MaxBackoff > 0 && next > s.cfg.MaxBackoff {
		next = s.cfg.MaxBackoff
	}
	s.backoff = next
	return true
}

func (s *Socket) resetBackoff() {
	s.backoff = s.cfg.InitialBackoff
	s.attempts = 0
	s.atMax = false
}

// readLoop pumps inbound frames until the connection fails, returning
// the close code (CloseAbnormalClosure for non-close errors). Bare pongs
// are consumed here and never reach OnMessage.
func (s *Socket) readLoop(conn Conn) int {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code
			}
			return websocket.CloseAbnormalClosure
		}
		if string(msg) == model.PongMessage {
			continue
		}
		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(msg)
		}
	}
}

func (s *Socket) pingLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(conn, []byte(model.PingMessage)); err != nil {
				s.logger.Debug().Err(err).Msg("keepalive ping failed")
				return
			}
		}
	}
}

// Send forwards data to the current underlying connection. There is no
// outbound queue: while disconnected it fails fast and the caller must
// re-issue state on reconnect.
func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return s.write(conn, data)
}

func (s *Socket) write(conn Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close performs a normal closure; no reconnect follows.
func (s *Socket) Close() {
	s.mu.Lock()
	s.closing = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}

func (s *Socket) setConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Socket) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func fire(fn func()) {
	if fn != nil {
		fn()
	}
}
