package fieldsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sessionEvent is one message on the session event stream. The remote
// pushes an event whenever a session or its observations change on
// another device, so collaborators see each other's progress without
// polling.
type sessionEvent struct {
	Type         string             `json:"type"`
	Session      *SubmissionSession `json:"session,omitempty"`
	Observations []Observation      `json:"observations,omitempty"`
}

// WatcherConfig configures the session event stream client.
type WatcherConfig struct {
	// URL is the websocket endpoint of the session event stream.
	URL string `yaml:"url"`

	// APIKey authenticates the subscription.
	APIKey string `yaml:"api_key"`

	// PingInterval is how often the connection is pinged.
	// Default: 30s
	PingInterval time.Duration `yaml:"ping_interval"`

	// ReconnectBackoff is the initial delay before redialing a dropped
	// connection. Default: 2s
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
}

// SessionWatcher subscribes to the remote session event stream and
// applies incoming updates to the local mirror. It only holds a
// connection while the device is online and redials with backoff after
// drops. Events for sessions that are locally terminal are discarded,
// matching the load path's stale-result rule.
type SessionWatcher struct {
	config  WatcherConfig
	local   LocalStore
	monitor *ConnectivityMonitor
	cache   *sessionCache

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSessionWatcher creates a watcher for the given stream endpoint.
func NewSessionWatcher(config WatcherConfig, local LocalStore, monitor *ConnectivityMonitor, coordinator *SyncCoordinator) *SessionWatcher {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionWatcher{
		config:  config,
		local:   local,
		monitor: monitor,
		cache:   coordinator.cache,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the subscription loop.
func (w *SessionWatcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run()
}

// Stop closes the subscription.
func (w *SessionWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.cancel()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}

func (w *SessionWatcher) run() {
	defer w.wg.Done()
	backoff := w.config.ReconnectBackoff

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		if !w.monitor.IsOnline() {
			if !w.sleep(backoff) {
				return
			}
			continue
		}

		conn, err := w.dial()
		if err != nil {
			slog.Warn("session stream dial failed", "err", err)
			if !w.sleep(backoff) {
				return
			}
			backoff = minDuration(backoff*2, time.Minute)
			continue
		}
		backoff = w.config.ReconnectBackoff

		w.serve(conn)
		conn.Close()
	}
}

func (w *SessionWatcher) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if w.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+w.config.APIKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(w.ctx, w.config.URL, header)
	return conn, err
}

// serve reads events off one connection until it drops or the watcher
// stops.
func (w *SessionWatcher) serve(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(w.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-w.ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(w.config.PingInterval / 2)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() == nil {
				slog.Warn("session stream closed", "err", err)
			}
			return
		}
		var event sessionEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			slog.Warn("undecodable session event", "err", err)
			continue
		}
		if err := w.apply(w.ctx, event); err != nil {
			slog.Warn("applying session event failed", "err", err)
		}
	}
}

// apply folds one remote event into the local mirror.
func (w *SessionWatcher) apply(ctx context.Context, event sessionEvent) error {
	if event.Session == nil {
		return nil
	}
	remote := event.Session

	local, err := w.local.GetSession(ctx, remote.SessionID)
	if err == nil && local.SessionStatus.Terminal() && !remote.SessionStatus.Terminal() {
		// The session finished locally; the event predates that.
		return nil
	}

	if err := w.local.SaveSession(ctx, remote); err != nil {
		return err
	}
	w.cache.Invalidate(remote.SessionID, remote.SubmissionID)

	if len(event.Observations) > 0 {
		localObs, err := w.local.ListObservations(ctx, remote.SubmissionID)
		if err != nil {
			return err
		}
		for _, obs := range mergeObservations(localObs, event.Observations) {
			if err := w.local.SaveObservation(ctx, obs); err != nil {
				return err
			}
		}
	}

	slog.Debug("session event applied",
		"session", remote.SessionID, "type", event.Type, "status", remote.SessionStatus)
	return nil
}

func (w *SessionWatcher) sleep(d time.Duration) bool {
	select {
	case <-w.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
