package fieldsync

import (
	"context"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine assembles the full sync stack from a Config: SQLite local
// store, HTTP remote store, connectivity probe, coordinator, session
// manager, and the optional attachment uploader and event stream
// watcher. Embedding applications that need custom stores can skip the
// Engine and wire the pieces directly.
type Engine struct {
	config      Config
	local       LocalStore
	remote      RemoteStore
	monitor     *ConnectivityMonitor
	coordinator *SyncCoordinator
	sessions    *SessionManager
	uploader    *AttachmentUploader
	watcher     *SessionWatcher
}

// allowAllAccess is the default AccessChecker when the embedding
// application supplies none.
type allowAllAccess struct{}

func (allowAllAccess) CanEditSubmission(ctx context.Context, userID, programID string) (bool, error) {
	return true, nil
}

// NewEngine builds an engine from the configuration. access and
// directory may be nil; reg may be nil to leave metrics unregistered.
func NewEngine(cfg Config, access AccessChecker, directory UserDirectory, reg prometheus.Registerer) (*Engine, error) {
	enc, err := NewEncryptor(cfg.Encryption)
	if err != nil {
		return nil, err
	}
	local, err := NewSQLiteStore(cfg.Local, enc)
	if err != nil {
		return nil, err
	}
	remote, err := NewHTTPRemoteStore(cfg.Remote)
	if err != nil {
		local.Close()
		return nil, err
	}

	probeAddr := cfg.Connectivity.ProbeAddress
	if probeAddr == "" {
		probeAddr = endpointHost(cfg.Remote.Endpoint)
	}
	var probe Probe
	if probeAddr != "" {
		probe = TCPProbe{Address: probeAddr, Timeout: cfg.Connectivity.ProbeTimeout}
	}
	monitor := NewConnectivityMonitor(cfg.Connectivity, probe)

	coordinator := NewSyncCoordinator(cfg, local, remote, monitor, reg)
	if access == nil {
		access = allowAllAccess{}
	}
	sessions := NewSessionManager(coordinator, access, directory)

	eng := &Engine{
		config:      cfg,
		local:       local,
		remote:      remote,
		monitor:     monitor,
		coordinator: coordinator,
		sessions:    sessions,
	}

	if cfg.Uploads != nil {
		uploader, err := NewAttachmentUploader(*cfg.Uploads, local, monitor, coordinator.metrics)
		if err != nil {
			local.Close()
			return nil, err
		}
		eng.uploader = uploader
	}
	if cfg.Watcher != nil && cfg.Watcher.URL != "" {
		eng.watcher = NewSessionWatcher(*cfg.Watcher, local, monitor, coordinator)
	}
	return eng, nil
}

// endpointHost extracts host:port from the remote endpoint URL for the
// default connectivity probe.
func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host += ":443"
		case "http":
			host += ":80"
		}
	}
	return host
}

// Start launches the connectivity probe, the sync loops, and the
// optional uploader and watcher.
func (e *Engine) Start() {
	e.monitor.Start()
	e.coordinator.Start()
	if e.uploader != nil {
		e.uploader.Start(e.config.Sync.DrainInterval)
	}
	if e.watcher != nil {
		e.watcher.Start()
	}
}

// Stop shuts down all background work and closes the local store.
func (e *Engine) Stop() error {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.uploader != nil {
		e.uploader.Stop()
	}
	e.coordinator.Stop()
	e.monitor.Stop()
	return e.local.Close()
}

// Sessions returns the session manager.
func (e *Engine) Sessions() *SessionManager { return e.sessions }

// Coordinator returns the sync coordinator.
func (e *Engine) Coordinator() *SyncCoordinator { return e.coordinator }

// Connectivity returns the connectivity monitor.
func (e *Engine) Connectivity() *ConnectivityMonitor { return e.monitor }

// Local returns the local store.
func (e *Engine) Local() LocalStore { return e.local }

// QueueAttachment stores an image blob for background upload once the
// device is online.
func (e *Engine) QueueAttachment(ctx context.Context, key string, blob []byte) error {
	return e.local.AddPendingImage(ctx, key, blob)
}

// WaitOnline blocks until the monitor reports the remote reachable or
// the context is cancelled.
func (e *Engine) WaitOnline(ctx context.Context) error {
	if e.monitor.IsOnline() {
		return nil
	}
	ch := make(chan struct{}, 1)
	e.monitor.OnChange(func(online bool) {
		if online {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	if e.monitor.IsOnline() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
