package xmppws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPingTimeout  = 20 * time.Second
)

// PersistentConn wraps a Conn with XEP-0199 ping heartbeats and
// automatic reconnection, re-running the stream open handshake on
// every new connection.
type PersistentConn struct {
	mu      sync.Mutex
	conn    *Conn
	url     string
	domain  string
	tlsConf *tls.Config
	headers http.Header
	closed  atomic.Bool

	pingInterval time.Duration
	pingTimeout  time.Duration
	pingCallback func(rtt time.Duration) // called on successful ping

	// pendingPing tracks the sequence number of an outstanding ping.
	pendingPing atomic.Uint64
	pingSentAt  atomic.Int64  // UnixMilli when the ping was sent
	pingAcked   chan struct{} // signaled when the ping result arrives

	cancel context.CancelFunc // cancels the ping goroutine
}

// Option configures a PersistentConn.
type Option func(*PersistentConn)

// WithPingInterval sets the interval between pings.
func WithPingInterval(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.pingInterval = d }
}

// WithPingTimeout sets how long to wait for a ping result before reconnecting.
func WithPingTimeout(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.pingTimeout = d }
}

// WithPingCallback sets a function called on each successful ping round-trip.
func WithPingCallback(fn func(rtt time.Duration)) Option {
	return func(pc *PersistentConn) { pc.pingCallback = fn }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request.
func WithHeaders(h http.Header) Option {
	return func(pc *PersistentConn) { pc.headers = h }
}

// DialPersistent dials, opens the stream to domain, and returns a
// PersistentConn with heartbeats and reconnect.
func DialPersistent(ctx context.Context, url, domain string, tlsConf *tls.Config, opts ...Option) (*PersistentConn, error) {
	pc := &PersistentConn{
		url:          url,
		domain:       domain,
		tlsConf:      tlsConf,
		pingInterval: defaultPingInterval,
		pingTimeout:  defaultPingTimeout,
		pingAcked:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(pc)
	}

	conn, err := pc.dial(ctx)
	if err != nil {
		return nil, err
	}
	pc.conn = conn

	pingCtx, pingCancel := context.WithCancel(context.Background())
	pc.cancel = pingCancel
	go pc.pingLoop(pingCtx)

	return pc, nil
}

func (pc *PersistentConn) dial(ctx context.Context) (*Conn, error) {
	conn, err := Dial(ctx, pc.url, pc.tlsConf, pc.headers)
	if err != nil {
		return nil, err
	}
	if err := conn.Open(ctx, pc.domain); err != nil {
		conn.CloseNow()
		return nil, err
	}
	return conn, nil
}

// ReadStanza reads the next stanza, filtering out ping results. On
// read error, it attempts to reconnect and retry.
func (pc *PersistentConn) ReadStanza(ctx context.Context) ([]byte, error) {
	for {
		pc.mu.Lock()
		conn := pc.conn
		pc.mu.Unlock()

		if conn == nil {
			if pc.closed.Load() {
				return nil, fmt.Errorf("xmppws: persistent conn closed")
			}
			if err := pc.reconnect(ctx); err != nil {
				return nil, err
			}
			continue
		}

		stanza, err := conn.ReadStanza(ctx)
		if err != nil {
			if pc.closed.Load() {
				return nil, err
			}
			// Connection broken, try reconnect.
			if reconnErr := pc.reconnect(ctx); reconnErr != nil {
				return nil, reconnErr
			}
			continue
		}

		// Filter results of our own pings.
		head, err := ParseHead(stanza)
		if err != nil {
			return nil, err
		}
		if head.Name.Local == "iq" && (head.Type == "result" || head.Type == "error") {
			pending := pc.pendingPing.Load()
			if pending != 0 && head.ID == pingID(pending) {
				pc.handlePingResult()
				continue
			}
		}

		return stanza, nil
	}
}

// WriteStanza writes a stanza to the current connection.
func (pc *PersistentConn) WriteStanza(ctx context.Context, stanza []byte) error {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("xmppws: no active connection")
	}
	return conn.WriteStanza(ctx, stanza)
}

// Close stops the heartbeat and closes the connection. No further
// reconnects will happen.
func (pc *PersistentConn) Close() error {
	if pc.closed.Swap(true) {
		return nil // already closed
	}
	pc.cancel()
	pc.mu.Lock()
	conn := pc.conn
	pc.conn = nil
	pc.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (pc *PersistentConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pc.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pc.closed.Load() {
				return
			}
			if err := pc.sendPing(ctx); err != nil {
				// Connection may be broken; reconnect happens on the next ReadStanza.
				continue
			}
			// Wait for the result or time out.
			select {
			case <-ctx.Done():
				return
			case <-pc.pingAcked:
				// Got the result, all good.
			case <-time.After(pc.pingTimeout):
				if !pc.closed.Load() {
					_ = pc.reconnect(ctx)
				}
			}
		}
	}
}

func pingID(n uint64) string {
	return fmt.Sprintf("ping-%d", n)
}

func (pc *PersistentConn) sendPing(ctx context.Context) error {
	n := uint64(time.Now().UnixMilli())
	pc.pendingPing.Store(n)

	// Drain any stale ack.
	select {
	case <-pc.pingAcked:
	default:
	}

	stanza := fmt.Sprintf(`<iq xmlns="jabber:client" type="get" id=%q><ping xmlns="urn:xmpp:ping"/></iq>`, pingID(n))

	pc.pingSentAt.Store(time.Now().UnixMilli())

	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("xmppws: no active connection")
	}
	return conn.WriteStanza(ctx, []byte(stanza))
}

func (pc *PersistentConn) handlePingResult() {
	if pc.pingCallback != nil {
		sentAt := pc.pingSentAt.Load()
		if sentAt > 0 {
			rtt := time.Duration(time.Now().UnixMilli()-sentAt) * time.Millisecond
			pc.pingCallback(rtt)
		}
	}
	pc.pendingPing.Store(0)
	select {
	case pc.pingAcked <- struct{}{}:
	default:
	}
}

func (pc *PersistentConn) reconnect(ctx context.Context) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.closed.Load() {
		return fmt.Errorf("xmppws: persistent conn closed")
	}

	// Close the old connection if any.
	if pc.conn != nil {
		pc.conn.CloseNow()
		pc.conn = nil
	}

	conn, err := pc.dial(ctx)
	if err != nil {
		return fmt.Errorf("xmppws: reconnect: %w", err)
	}
	pc.conn = conn
	return nil
}
