// Package maintenance runs the periodic background sweeps: expiring stale
// working copies, collecting inactive subscriptions and reporting orphaned
// entity rows.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/registry"
	"github.com/starford/eihwaz/internal/store"
	"github.com/starford/eihwaz/internal/subscribe"
	"github.com/starford/eihwaz/internal/treeservice"
)

// Sweeper owns the maintenance loop.
type Sweeper struct {
	db       *store.DB
	reg      *registry.Registry
	mgr      *subscribe.Manager
	svc      *treeservice.Service
	ttl      time.Duration
	interval time.Duration
	log      *slog.Logger
}

// New creates a sweeper. ttl is the working-copy expiry age; interval is
// how often the sweep runs.
func New(db *store.DB, reg *registry.Registry, mgr *subscribe.Manager, svc *treeservice.Service, ttl, interval time.Duration) *Sweeper {
	return &Sweeper{
		db:       db,
		reg:      reg,
		mgr:      mgr,
		svc:      svc,
		ttl:      ttl,
		interval: interval,
		log:      slog.Default().With("component", "maintenance"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("maintenance: started",
		slog.Duration("interval", s.interval),
		slog.Duration("working_copy_ttl", s.ttl))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("maintenance: stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.expireWorkingCopies(ctx)
	if n := s.mgr.CleanupOrphaned(); n > 0 {
		s.log.Info("maintenance: subscriptions collected", slog.Int("count", n))
	}
	s.reportOrphans(ctx)
}

// expireWorkingCopies discards drafts older than the TTL across every
// registered node type. Each expiry is published as a discard event so
// working-copy subscribers see it.
func (s *Sweeper) expireWorkingCopies(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.ttl)
	for _, nodeType := range s.reg.Types() {
		reg, ok := s.reg.Lookup(nodeType)
		if !ok || reg.Context == nil {
			continue
		}
		table := reg.Context.WorkingCopyTableName()
		if table == "" {
			continue
		}
		t, err := s.db.EnsureWorkingCopyTable(ctx, table)
		if err != nil {
			s.log.Warn("maintenance: working copy table", slog.String("table", table), slog.String("error", err.Error()))
			continue
		}
		nodeIDs, err := t.DeleteExpired(ctx, s.db.Conn(), cutoff)
		if err != nil {
			s.log.Warn("maintenance: expire failed", slog.String("table", table), slog.String("error", err.Error()))
			continue
		}
		for _, nodeID := range nodeIDs {
			s.mgr.Publish(models.ChangeEvent{
				Type:        models.EventWorkingCopyDiscarded,
				NodeID:      nodeID,
				EntityTable: table,
				At:          time.Now().UTC(),
			})
		}
		if len(nodeIDs) > 0 {
			s.log.Info("maintenance: working copies expired",
				slog.String("table", table),
				slog.Int("count", len(nodeIDs)))
		}
	}
}

// reportOrphans logs entity rows whose node is gone. Orphans point at an
// interrupted cascade; they are reported, never auto-deleted.
func (s *Sweeper) reportOrphans(ctx context.Context) {
	report, err := s.svc.Orphans(ctx)
	if err != nil {
		s.log.Warn("maintenance: orphan report failed", slog.String("error", err.Error()))
		return
	}
	for table, ids := range report {
		s.log.Warn("maintenance: orphaned entity rows",
			slog.String("table", table),
			slog.Int("count", len(ids)))
	}
}
