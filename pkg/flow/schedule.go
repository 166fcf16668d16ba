package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
	"github.com/robfig/cron/v3"
)

// DefaultReloadInterval is how often the scheduler re-reads the store for
// newly published or superseded scheduled versions.
const DefaultReloadInterval = 30 * time.Second

// Scheduler starts runs of published versions that carry a cron schedule.
// Entries are rebuilt from the store on Reload, which Start repeats
// periodically, so a version published from another process takes effect
// without a restart.
type Scheduler struct {
	store       store.Store
	service     *Service
	logger      *slog.Logger
	reloadEvery time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID // flow version id -> entry
}

func NewScheduler(st store.Store, service *Service, logger *slog.Logger, reloadEvery time.Duration) *Scheduler {
	if reloadEvery <= 0 {
		reloadEvery = DefaultReloadInterval
	}

	return &Scheduler{
		store:       st,
		service:     service,
		logger:      logger.With("module", "scheduler"),
		reloadEvery: reloadEvery,
		cron:        cron.New(),
		entries:     make(map[string]cron.EntryID),
	}
}

// Start loads scheduled versions and begins firing them, then keeps the
// entries in sync with the store until ctx is cancelled. It returns
// immediately; Stop drains the cron goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", "entries", len(s.entries), "reload_interval", s.reloadEvery)

	go func() {
		ticker := time.NewTicker(s.reloadEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Reload(ctx); err != nil {
					s.logger.Error("Failed to reload schedules", "error", err)
				}
			}
		}
	}()

	return nil
}

// Reload synchronizes cron entries with the highest published version of
// each flow. Superseded versions stop firing on the next reload.
func (s *Scheduler) Reload(ctx context.Context) error {
	flows, err := s.store.Flows().ListFlows(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[string]*models.FlowVersion)

	for _, f := range flows {
		version, err := s.store.Flows().PublishedVersion(ctx, f.ID)
		if store.IsVersionNotFound(err) {
			continue
		}

		if err != nil {
			return err
		}

		if version.Schedule != "" {
			wanted[version.ID] = version
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for versionID, entryID := range s.entries {
		if _, keep := wanted[versionID]; !keep {
			s.cron.Remove(entryID)
			delete(s.entries, versionID)
		}
	}

	for versionID, version := range wanted {
		if _, scheduled := s.entries[versionID]; scheduled {
			continue
		}

		entryID, err := s.cron.AddFunc(version.Schedule, s.fire(version))
		if err != nil {
			// Schedules are validated at publish; a bad one here is a
			// store inconsistency, skip it rather than break the rest.
			s.logger.Error("Skipping version with invalid schedule",
				"flow_version_id", versionID, "schedule", version.Schedule, "error", err)

			continue
		}

		s.entries[versionID] = entryID
		s.logger.Info("Scheduled flow version",
			"flow_id", version.FlowID, "flow_version_id", versionID, "schedule", version.Schedule)
	}

	return nil
}

func (s *Scheduler) fire(version *models.FlowVersion) func() {
	return func() {
		run, err := s.service.StartVersion(context.Background(), version.ID, "", nil)
		if err != nil {
			s.logger.Error("Scheduled start failed",
				"flow_id", version.FlowID, "flow_version_id", version.ID, "error", err)

			return
		}

		s.logger.Info("Scheduled run created",
			"flow_id", version.FlowID, "flow_version_id", version.ID, "run_id", run.ID)
	}
}

// Stop halts scheduling and waits for any in-flight fire callbacks.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}
