// Package daemon keeps workspace projects in sync with a device.
//
// The daemon:
//  1. Connects to the device (getinfo, login, control socket)
//  2. Replays offline changes and refreshes every project on each connect
//  3. Watches project folders and forwards changes to the sync engine
//  4. Reconnects with backoff when the device goes away
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/droidscript/dssync/internal/gateway"
	"github.com/droidscript/dssync/internal/journal"
	"github.com/droidscript/dssync/internal/metrics"
	"github.com/droidscript/dssync/internal/registry"
	"github.com/droidscript/dssync/internal/retry"
	"github.com/droidscript/dssync/internal/session"
	dsync "github.com/droidscript/dssync/internal/sync"
	"github.com/droidscript/dssync/internal/watcher"
)

// ErrNoAddress is returned when no device address has been configured.
var ErrNoAddress = errors.New("no device address configured")

// Config holds configuration for the daemon.
type Config struct {
	// Registry holds the projects and the device address (required)
	Registry *registry.Registry

	// Journal records sync runs. Nil disables history.
	Journal *journal.DB

	// Concurrency is the transfer window of a full sync
	Concurrency int

	// Heartbeat is the control socket keepalive interval
	Heartbeat time.Duration

	// Timeout bounds a single device request
	Timeout time.Duration

	// DebounceInterval is how long a path must be quiet before its change
	// is sent. Rapid saves of one file collapse into one upload.
	DebounceInterval time.Duration

	// EchoWindow is how long downloaded files ignore local events
	EchoWindow time.Duration

	// Reconnect is the backoff between reconnect attempts
	Reconnect retry.Config

	// Output receives device log lines (default: stdout)
	Output io.Writer

	// OnDiagnostic receives error lines that carry a source location.
	// Nil prints them to Output.
	OnDiagnostic func(session.Diagnostic)

	// OnState is told about every connection state change while Run is
	// active. Optional.
	OnState func(session.State)

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:      10,
		Heartbeat:        5 * time.Second,
		Timeout:          30 * time.Second,
		DebounceInterval: 100 * time.Millisecond,
		EchoWindow:       2 * time.Second,
		Reconnect:        retry.Reconnect(),
		Output:           os.Stdout,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates the session, the engine and the watcher.
type Daemon struct {
	reg    *registry.Registry
	config *Config
	logger *log.Logger

	client  *gateway.Client
	session *session.Session
	engine  *dsync.Engine

	closed chan struct{}
	queue  *changeQueue
}

// New creates a daemon for the registry's device address. Nothing is
// contacted until Connect or Run.
func New(config *Config) (*Daemon, error) {
	if config == nil || config.Registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	def := DefaultConfig()
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.Output == nil {
		config.Output = def.Output
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.Reconnect.InitialWait <= 0 {
		config.Reconnect = def.Reconnect
	}

	address := config.Registry.ServerAddress()
	if address == "" {
		return nil, ErrNoAddress
	}

	d := &Daemon{
		reg:    config.Registry,
		config: config,
		logger: config.Logger,
		closed: make(chan struct{}, 1),
		queue:  newChangeQueue(),
	}

	sess, err := session.New(&session.Config{
		Address:   address,
		Heartbeat: config.Heartbeat,
		OnOpen:    d.onOpen,
		OnClose:   d.onClose,
		OnMessage: d.onMessage,
		Logger:    d.componentLogger("session"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	client, err := gateway.New(gateway.Config{
		Address: address,
		Timeout: config.Timeout,
		Conn:    sess,
		Logger:  d.componentLogger("gateway"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	engineCfg := &dsync.Config{
		Projects:    config.Registry,
		Remote:      client,
		Conn:        sess,
		Concurrency: config.Concurrency,
		EchoWindow:  config.EchoWindow,
		Logger:      d.componentLogger("sync"),
	}
	if config.Journal != nil {
		engineCfg.Recorder = config.Journal
	}
	engine, err := dsync.New(engineCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}

	d.session = sess
	d.client = client
	d.engine = engine
	return d, nil
}

// componentLogger writes where the daemon logger writes, under another
// prefix.
func (d *Daemon) componentLogger(name string) *log.Logger {
	return log.New(d.logger.Writer(), "["+name+"] ", d.logger.Flags())
}

// Client returns the device gateway.
func (d *Daemon) Client() *gateway.Client { return d.client }

// Session returns the control session.
func (d *Daemon) Session() *session.Session { return d.session }

// Engine returns the sync engine.
func (d *Daemon) Engine() *dsync.Engine { return d.engine }

// Connect checks the device, logs in when it asks for a password and opens
// the control session. The open hook replays the backlog and refreshes
// every project before Connect returns.
func (d *Daemon) Connect(ctx context.Context) error {
	info, err := d.client.ServerInfo(ctx)
	if err != nil {
		return fmt.Errorf("device not reachable at %s: %w", d.client.Address(), err)
	}
	d.reg.SetInfo(*info)

	if info.UsePass {
		pass := d.reg.Password()
		if pass == "" {
			return fmt.Errorf("%w: no password configured", gateway.ErrPasswordRequired)
		}
		if err := d.client.Login(ctx, pass); err != nil {
			return err
		}
	}
	if err := d.reg.Save(); err != nil {
		d.logger.Printf("Warning: failed to save registry: %v", err)
	}

	return d.session.Start(ctx)
}

// Close stops the control session.
func (d *Daemon) Close() error {
	return d.session.Stop()
}

func (d *Daemon) onOpen(ctx context.Context) {
	if err := d.engine.ReplayBacklog(ctx); err != nil {
		d.logger.Printf("Backlog replay incomplete: %v", err)
	}

	for _, p := range d.reg.Projects() {
		mode := dsync.UpdateLocal
		if d.reg.TakeReload(p.Name) {
			mode = dsync.DownloadAll
			if err := d.reg.Save(); err != nil {
				d.logger.Printf("Warning: failed to save registry: %v", err)
			}
		}
		report, err := d.engine.SyncProject(ctx, p, mode)
		if err != nil {
			d.logger.Printf("Sync of %s failed: %v", p.Name, err)
			continue
		}
		d.logger.Printf("Synced %s (%s): %d of %d files in %s",
			p.Name, mode, report.Transferred, len(report.Files), report.Duration.Round(time.Millisecond))
	}
}

func (d *Daemon) onClose() {
	select {
	case d.closed <- struct{}{}:
	default:
	}
}

func (d *Daemon) onMessage(l session.Line) {
	if diag, ok := session.ParseDiagnostic(l); ok {
		if d.config.OnDiagnostic != nil {
			d.config.OnDiagnostic(diag)
			return
		}
		fmt.Fprintf(d.config.Output, "%s:%d: %s\n", diag.File, diag.Line, diag.Message)
		return
	}
	fmt.Fprintln(d.config.Output, l.Text)
}

// Run connects, watches every registered project and forwards local
// changes until ctx is cancelled. When the device is unreachable the
// changes are kept in the backlog and Run keeps trying to reconnect.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Println("Starting daemon")

	states, unsubscribe := d.session.Subscribe()
	var stateWG sync.WaitGroup
	stateWG.Add(1)
	go d.followState(states, &stateWG)
	defer func() {
		unsubscribe()
		stateWG.Wait()
	}()

	if err := d.Connect(ctx); err != nil {
		if gateway.IsUserActionRequired(err) {
			return err
		}
		d.logger.Printf("Working offline: %v", err)
		d.onClose()
	}

	w, err := watcher.New(&watcher.Config{Logger: d.componentLogger("watcher")})
	if err != nil {
		d.session.Stop()
		return err
	}
	var roots []string
	for _, p := range d.reg.Projects() {
		roots = append(roots, p.Path)
	}
	if err := w.Start(roots...); err != nil {
		w.Stop()
		d.session.Stop()
		return fmt.Errorf("failed to watch projects: %w", err)
	}
	d.logger.Printf("Watching %d projects", len(roots))

	var wg sync.WaitGroup
	wg.Add(1)
	go d.supervise(ctx, &wg)

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Println("Shutdown signal received")
			if err := w.Stop(); err != nil {
				d.logger.Printf("Error closing watcher: %v", err)
			}
			// Flush changes still inside their debounce interval.
			d.dispatch(context.WithoutCancel(ctx), d.queue.take(time.Now(), 0))
			if err := d.session.Stop(); err != nil {
				d.logger.Printf("Error closing session: %v", err)
			}
			wg.Wait()
			d.logger.Println("Daemon stopped")
			return nil

		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			if d.engine.Suppressed(ev.Path) {
				continue
			}
			d.queue.add(ev, time.Now())

		case err, ok := <-w.Errors():
			if ok {
				d.logger.Printf("Watcher error: %v", err)
			}

		case <-ticker.C:
			d.dispatch(ctx, d.queue.take(time.Now(), d.config.DebounceInterval))
		}
	}
}

// followState reports session state changes until states is closed.
func (d *Daemon) followState(states <-chan session.State, wg *sync.WaitGroup) {
	defer wg.Done()
	for st := range states {
		metrics.SetConnected(st == session.Connected)
		if d.config.OnState != nil {
			d.config.OnState(st)
		}
	}
}

// supervise reconnects after every session close until ctx ends.
func (d *Daemon) supervise(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.closed:
			d.reconnect(ctx)
		}
	}
}

// reconnect retries Connect with backoff until it succeeds or ctx ends.
// Local changes keep landing in the backlog meanwhile.
func (d *Daemon) reconnect(ctx context.Context) {
	err := retry.Do(ctx, d.config.Reconnect, func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.RecordReconnect()
		err := d.Connect(ctx)
		if err == nil || gateway.IsUserActionRequired(err) {
			return err
		}
		d.logger.Printf("Reconnect failed: %v", err)
		return retry.Transient(err)
	})
	if err != nil && ctx.Err() == nil {
		d.logger.Printf("Giving up reconnecting: %v", err)
	}
}
