package app

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"cipherfan/internal/crypto"
	"cipherfan/internal/domain"
	"cipherfan/internal/relay"
	"cipherfan/internal/services/directory"
	"cipherfan/internal/services/fanout"
	identitysvc "cipherfan/internal/services/identity"
	messagesvc "cipherfan/internal/services/message"
	prekeysvc "cipherfan/internal/services/prekey"
	sessionsvc "cipherfan/internal/services/session"
	"cipherfan/internal/store"
	"cipherfan/internal/telemetry/metric"
)

// Wire bundles all stores, services, and clients for the CLI.
type Wire struct {
	Config   Config
	Logger   hclog.Logger
	Metrics  *metric.Registry
	Store    *store.BadgerKeyStore
	Relay    *relay.HTTPClient
	Identity *identitysvc.Service
	PreKeys  *prekeysvc.Service
	Sessions *sessionsvc.Service
	Devices  *directory.Cache
	Fanout   *fanout.Coordinator
	Messages *messagesvc.Service
}

// NewWire constructs the dependency graph from cfg. The caller must Close
// the result.
func NewWire(cfg Config, logger hclog.Logger) (*Wire, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	provider := crypto.NewSystem()
	metrics := metric.NewRegistry()

	ks, err := store.OpenBadger(store.BadgerConfig{
		Dir:        cfg.StorePath(),
		SyncWrites: cfg.Store.SyncWrites,
		Passphrase: cfg.Store.Passphrase,
		Scrypt:     store.DefaultScryptParams(),
		GCInterval: cfg.Store.GCInterval,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := ks.RegisterMetrics(metrics.Registerer()); err != nil {
		_ = ks.Close()
		return nil, err
	}

	rc := relay.NewHTTPClient(cfg.Relay.URL,
		relay.WithHTTPClient(&http.Client{Timeout: cfg.Relay.Timeout}),
		relay.WithRateLimit(cfg.Relay.RateLimit, cfg.Relay.Burst),
		relay.WithRetry(cfg.Relay.MaxRetries+1, 200*time.Millisecond, 5*time.Second),
		relay.WithClientLogger(logger),
	)

	// The stored registration wins over configured ids once init has run.
	self := cfg.Self()
	if reg, ok, err := ks.GetLocalRegistration(); err != nil {
		_ = ks.Close()
		return nil, err
	} else if ok {
		self = domain.DeviceAddress{UserID: reg.UserID, DeviceID: reg.DeviceID}
	}

	sessions := sessionsvc.New(ks, provider,
		sessionsvc.WithLogger(logger),
		sessionsvc.WithMetrics(metrics),
		sessionsvc.WithFileCompression(cfg.Media.Compress),
		sessionsvc.WithMaxFileSize(cfg.Media.MaxFileSize),
	)
	devices := directory.New(rc,
		directory.WithTTL(cfg.Directory.CacheTTL),
		directory.WithLogger(logger),
		directory.WithMetrics(metrics),
	)

	return &Wire{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Store:    ks,
		Relay:    rc,
		Identity: identitysvc.New(ks, provider, logger),
		PreKeys:  prekeysvc.New(ks, provider, rc, logger),
		Sessions: sessions,
		Devices:  devices,
		Fanout: fanout.New(self, sessions, devices, rc, rc, rc,
			fanout.WithLogger(logger),
			fanout.WithMetrics(metrics),
			fanout.WithConcurrency(cfg.Fanout.Concurrency),
			fanout.WithLargeGroupThreshold(cfg.Fanout.LargeGroupThreshold),
			fanout.WithStoreForOffline(cfg.Fanout.StoreForOffline),
		),
		Messages: messagesvc.New(self, sessions, rc, rc, logger),
	}, nil
}

// Close releases the key store.
func (w *Wire) Close() error { return w.Store.Close() }
