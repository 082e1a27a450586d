// Package engine wires the local store, offline queue, remote backend and
// sync coordinator into one unit that the desktop daemon and the mobile
// library both embed.
package engine

import (
	"context"
	"fmt"

	"github.com/kimhsiao/bounceback/backend/internal/config"
	"github.com/kimhsiao/bounceback/backend/internal/crypto"
	"github.com/kimhsiao/bounceback/backend/internal/db"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
	"github.com/kimhsiao/bounceback/backend/internal/models"
	"github.com/kimhsiao/bounceback/backend/internal/statusfeed"
	syncpkg "github.com/kimhsiao/bounceback/backend/internal/sync"
	"github.com/kimhsiao/bounceback/backend/internal/sync/dispatcher"
	"github.com/kimhsiao/bounceback/backend/internal/sync/entity"
	"github.com/kimhsiao/bounceback/backend/internal/sync/queue"
	"github.com/kimhsiao/bounceback/backend/internal/sync/quota"
	"github.com/kimhsiao/bounceback/backend/internal/sync/remote"
	"github.com/kimhsiao/bounceback/backend/internal/sync/s3"
	"github.com/kimhsiao/bounceback/backend/internal/sync/scheduler"
)

// Engine holds the wired sync stack for one data directory.
type Engine struct {
	Config      *config.Config
	DB          *db.DB
	Store       *db.LocalStore
	Remote      remote.Backend
	Coordinator *syncpkg.Coordinator
	Dispatcher  *dispatcher.Dispatcher
	Scheduler   *scheduler.Scheduler
	Hub         *statusfeed.Hub
	Records     *Records
}

// Open opens the database and wires every component. ctx bounds the
// background work started by connectivity changes.
func Open(ctx context.Context, cfg *config.Config) (*Engine, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	e := &Engine{Config: cfg, DB: database}
	if err := e.wire(ctx); err != nil {
		database.Close()
		return nil, err
	}
	logging.Info("Sync engine ready", map[string]interface{}{
		"data_dir": cfg.DataDir,
		"backend":  cfg.Remote.Backend,
	})
	return e, nil
}

func (e *Engine) wire(ctx context.Context) error {
	if err := e.DB.Migrate(); err != nil {
		return err
	}
	e.Store = db.NewLocalStore(e.DB.DB)

	q, err := queue.New(ctx, e.Store.Operations(), queue.WithMaxSize(e.Config.Sync.QueueMaxSize))
	if err != nil {
		return err
	}
	e.Remote, err = OpenRemote(ctx, e.Config)
	if err != nil {
		return err
	}

	specs := e.Config.Specs()
	entities := db.EntityStores(e.Store, specs)
	managed := make([]entity.RetentionManaged, 0, len(specs))
	for _, spec := range specs {
		managed = append(managed, entities[spec.Type])
	}
	limits, err := e.Config.QuotaLimits()
	if err != nil {
		return err
	}
	qm, err := quota.New(e.Store, managed, limits)
	if err != nil {
		return err
	}
	qm.SetBatchSize(e.Config.Quota.BatchSize)

	e.Coordinator, err = syncpkg.NewCoordinator(syncpkg.Config{
		Queue:        q,
		Local:        e.Store,
		Entities:     entities,
		Remote:       e.Remote,
		Cipher:       crypto.LoadDeviceCipher(crypto.NewFileKeyStore(e.Config.KeyDir)),
		Quota:        qm,
		Specs:        specs,
		ResyncPolicy: e.Config.ResyncPolicy(),
	})
	if err != nil {
		return err
	}

	e.Hub = statusfeed.NewHub(statusfeed.WithRedactedFields(SensitiveFields(specs)...))
	e.Coordinator.SetEventHandler(e.Hub.Publish)

	e.Dispatcher, err = dispatcher.New(dispatcher.Config{
		Queue:         q,
		Applier:       e.Coordinator,
		RatePerMinute: e.Config.Sync.DispatchRatePerMinute,
		Burst:         e.Config.Sync.DispatchBurst,
		Online:        true,
	})
	if err != nil {
		return err
	}

	e.Scheduler = scheduler.NewScheduler(e.Coordinator, e.UserID, &scheduler.SchedulerConfig{
		SyncInterval:  e.Config.Sync.Interval,
		QueueInterval: e.Config.Sync.QueueInterval,
		PassTimeout:   e.Config.Sync.PassTimeout,
	})
	e.Dispatcher.OnStatusChange(func(online bool) {
		e.Scheduler.SetOnlineStatus(ctx, online)
	})

	e.Records = NewRecords(e.Store, e.Dispatcher, specs, e.UserID)
	return nil
}

// OpenRemote builds the configured remote backend.
func OpenRemote(ctx context.Context, cfg *config.Config) (remote.Backend, error) {
	switch cfg.Remote.Backend {
	case config.RemoteMemory:
		logging.Warn("Using in-memory remote; synced data does not outlive the process", nil)
		return remote.NewObjectBackend(remote.NewMemoryStore()), nil
	case config.RemoteDir:
		store, err := remote.NewDirStore(cfg.Remote.Dir)
		if err != nil {
			return nil, err
		}
		logging.Info("Remote backend ready", map[string]interface{}{"backend": cfg.Remote.Backend, "dir": cfg.Remote.Dir})
		return remote.NewObjectBackend(store), nil
	}
	s3cfg, err := cfg.S3Config()
	if err != nil {
		return nil, err
	}
	store, err := s3.New(ctx, s3cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s remote: %w", cfg.Remote.Backend, err)
	}
	logging.Info("Remote backend ready", map[string]interface{}{
		"backend": cfg.Remote.Backend,
		"bucket":  s3cfg.Bucket,
	})
	return remote.NewObjectBackend(store), nil
}

// SensitiveFields returns the distinct sensitive field names across specs.
func SensitiveFields(specs []models.EntitySpec) []string {
	seen := make(map[string]bool)
	var out []string
	for _, spec := range specs {
		for _, f := range spec.SensitiveFields {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// UserID returns the configured user, or "" when signed out.
func (e *Engine) UserID() string {
	return e.Config.UserID
}

// Close stops background work and releases the database.
func (e *Engine) Close() {
	if e.Scheduler != nil {
		e.Scheduler.Stop()
	}
	if e.Hub != nil {
		e.Hub.Close()
	}
	if err := e.DB.Close(); err != nil {
		logging.Error("Failed to close database", err)
	}
}
