// Package session owns the control WebSocket to the device.
//
// A Session is the single source of truth for connection state. It opens
// one socket at a time, sends the "debug" token on open, keeps the socket
// alive with a heartbeat and funnels every failure into one close path.
// Other components read the state through Connected, State or Subscribe;
// none of them can change it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds session configuration.
type Config struct {
	// Address is the device http(s) base URL
	Address string

	// Heartbeat is the keepalive interval (default: 5s)
	Heartbeat time.Duration

	// DialTimeout bounds the WebSocket handshake (default: 10s)
	DialTimeout time.Duration

	// Logger for connection events (default: stderr logger)
	Logger *log.Logger

	// OnOpen runs once per successful open, and again on Reload.
	OnOpen func(ctx context.Context)

	// OnClose runs once per socket when it closes for any reason. It may
	// run on the read goroutine and must not call Stop.
	OnClose func()

	// OnMessage receives every log line pushed by the device.
	OnMessage func(Line)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Heartbeat:   5 * time.Second,
		DialTimeout: 10 * time.Second,
	}
}

// Session manages the control socket lifetime.
type Session struct {
	address   string
	wsURL     string
	heartbeat time.Duration
	dial      time.Duration
	logger    *log.Logger
	onOpen    func(context.Context)
	onClose   func()
	onMessage func(Line)

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	gen    uint64 // incremented per socket
	cancel context.CancelFunc
	subs   map[int]chan State
	nextID int

	// wg tracks the goroutines of the current socket. Each socket gets a
	// fresh group, filled before the socket is published under mu.
	wg *sync.WaitGroup
}

// New creates a session. The socket is not opened until Start.
func New(cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	wsURL, err := socketURL(cfg.Address)
	if err != nil {
		return nil, err
	}

	s := &Session{
		address:   strings.TrimRight(cfg.Address, "/"),
		wsURL:     wsURL,
		heartbeat: cfg.Heartbeat,
		dial:      cfg.DialTimeout,
		logger:    cfg.Logger,
		onOpen:    cfg.OnOpen,
		onClose:   cfg.OnClose,
		onMessage: cfg.OnMessage,
		subs:      make(map[int]chan State),
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 5 * time.Second
	}
	if s.dial <= 0 {
		s.dial = 10 * time.Second
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	return s, nil
}

// socketURL derives ws(s)://host:port/ from an http(s) address.
func socketURL(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid device address %q: %w", address, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid device address %q: scheme must be http or https", address)
	}
	u.Path = "/"
	u.RawQuery = ""
	return u.String(), nil
}

// Address returns the device address the session connects to.
func (s *Session) Address() string {
	return s.address
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the control socket is open.
func (s *Session) Connected() bool {
	return s.State() == Connected
}

// Subscribe returns a channel receiving every state change, and a function
// that unsubscribes and closes the channel. Slow readers miss transitions
// rather than block the session.
func (s *Session) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan State, 16)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// setStateLocked changes the state and notifies subscribers. Caller holds mu.
func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// Start opens the control socket. It is a no-op while a socket is open or
// being opened. Dial failures run the close path and are returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.dial)
	conn, _, err := websocket.Dial(dialCtx, s.wsURL, nil)
	cancel()
	if err != nil {
		s.logger.Printf("Connection Error: %v", err)
		s.closeSocket(gen, nil)
		return fmt.Errorf("failed to connect to %s: %w", s.address, err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.gen != gen || s.state != Connecting {
		// Stop was called during the dial.
		s.mu.Unlock()
		runCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil
	}
	wg := &sync.WaitGroup{}
	wg.Add(2)
	s.conn = conn
	s.cancel = runCancel
	s.wg = wg
	s.setStateLocked(Connected)
	s.mu.Unlock()

	go s.heartbeatLoop(runCtx, wg, gen, conn)
	go s.readLoop(runCtx, wg, gen, conn)

	s.logger.Printf("Connected: %s", s.address)

	if err := s.write(runCtx, conn, "debug"); err != nil {
		s.closeSocket(gen, err)
		return fmt.Errorf("failed to start debug stream: %w", err)
	}

	if s.onOpen != nil {
		s.onOpen(ctx)
	}
	return nil
}

// Reload runs the open hook again without reopening the socket. When no
// socket is open it behaves like Start.
func (s *Session) Reload(ctx context.Context) error {
	if !s.Connected() {
		return s.Start(ctx)
	}
	if s.onOpen != nil {
		s.onOpen(ctx)
	}
	return nil
}

// Stop closes the socket if one is open. Safe to call repeatedly.
func (s *Session) Stop() error {
	s.mu.Lock()
	gen := s.gen
	open := s.state != Disconnected
	wg := s.wg
	s.mu.Unlock()

	if open {
		s.closeSocket(gen, nil)
	}
	if wg != nil {
		wg.Wait()
	}
	return nil
}

// closeSocket is the single close path. It runs at most once per socket
// generation: later calls for the same socket are ignored.
func (s *Session) closeSocket(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}

	if cause != nil && !isNormalClose(cause) {
		s.logger.Printf("Connection Error: %v", cause)
	}
	s.logger.Printf("Disconnected")

	if s.onClose != nil {
		s.onClose()
	}
}

func isNormalClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func (s *Session) write(ctx context.Context, conn *websocket.Conn, msg string) error {
	ctx, cancel := context.WithTimeout(ctx, s.heartbeat)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, []byte(msg))
}

func (s *Session) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, gen uint64, conn *websocket.Conn) {
	defer wg.Done()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(ctx, conn, "keepalive"); err != nil {
				if ctx.Err() == nil {
					s.closeSocket(gen, err)
				}
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, wg *sync.WaitGroup, gen uint64, conn *websocket.Conn) {
	defer wg.Done()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.closeSocket(gen, err)
			}
			return
		}
		if s.onMessage != nil {
			s.onMessage(DecodeLine(string(data)))
		}
	}
}
