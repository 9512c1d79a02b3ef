// Package jobs owns the maintenance work around the seat engine: the
// licence reload cycle, the stale-connection reaper, the daily
// scheduler and the licence-folder watcher.
package jobs

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/altia/nlserv/internal/licence"
	"github.com/altia/nlserv/internal/log"
	"github.com/altia/nlserv/internal/metrics"
	"github.com/altia/nlserv/internal/seat"
	"github.com/altia/nlserv/internal/store"
)

// Status is the outcome of one reload cycle.
type Status struct {
	LastRun  time.Time `json:"last_run"`
	Licences int       `json:"licences"`
	Reaped   int64     `json:"reaped"`
	Error    string    `json:"error,omitempty"`
}

// Reloader runs the load → reconcile → reap cycle. The licence table
// ends up holding exactly the verified on-disk set; rows that vanished
// from disk cascade their connections away.
type Reloader struct {
	Store   *store.Store
	Loader  *licence.Loader
	Manager *seat.Manager
}

// Reload loads and verifies the licence folder, reconciles the licence
// table against it and reaps stale connections.
func (r *Reloader) Reload(ctx context.Context) (*Status, error) {
	logger := log.WithComponent("jobs")
	logger.Info().Str("event", "reload.start").Str("folder", r.Loader.Folder).Msg("starting licence reload")

	licences, err := r.Loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load licences: %w", err)
	}

	keep := make([]int64, 0, len(licences))
	for _, l := range licences {
		if err := r.Store.InsertLicence(ctx, l); err != nil {
			return nil, err
		}
		keep = append(keep, l.TimeStamp)
	}
	removed, err := r.Store.DeleteLicencesNotIn(ctx, keep)
	if err != nil {
		return nil, err
	}

	reaped, err := r.Store.DeleteStaleConnections(ctx, r.Manager.StaleTime())
	if err != nil {
		return nil, err
	}

	metrics.RecordReload(len(licences))
	metrics.RecordStaleReaped(reaped)

	logger.Info().
		Str("event", "reload.done").
		Int("licences", len(licences)).
		Int64("removed", removed).
		Int64("reaped", reaped).
		Msg("licence reload complete")

	return &Status{LastRun: time.Now(), Licences: len(licences), Reaped: reaped}, nil
}

// Reap deletes stale connections outside a reload cycle.
func (r *Reloader) Reap(ctx context.Context) (int64, error) {
	reaped, err := r.Store.DeleteStaleConnections(ctx, r.Manager.StaleTime())
	if err != nil {
		return 0, fmt.Errorf("reap stale connections: %w", err)
	}
	metrics.RecordStaleReaped(reaped)
	return reaped, nil
}

// Maintain refreshes planner statistics and compacts the database file.
func (r *Reloader) Maintain(ctx context.Context) error {
	if err := r.Store.Analyze(ctx); err != nil {
		return err
	}
	return r.Store.Vacuum(ctx)
}

// Startup runs the boot sequence after the schema exists: reload,
// reap, analyze, vacuum. Database creation failures upstream are
// fatal; so is a reload failure here.
func (r *Reloader) Startup(ctx context.Context) (*Status, error) {
	status, err := r.Reload(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.Maintain(ctx); err != nil {
		return nil, err
	}
	return status, nil
}

// EnsureFolders creates the data and licence folders if missing.
func EnsureFolders(folders ...string) error {
	for _, folder := range folders {
		if folder == "" {
			continue
		}
		if err := os.MkdirAll(folder, 0o750); err != nil {
			return fmt.Errorf("create folder %s: %w", folder, err)
		}
	}
	return nil
}
