// Package quota keeps local storage within its budget by evicting aged,
// already-synced records.
package quota

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
	"github.com/kimhsiao/bounceback/backend/internal/models"
	"github.com/kimhsiao/bounceback/backend/internal/sync/entity"
)

// DefaultBatchSize is how many records are evicted between usage checks.
const DefaultBatchSize = 50

// UsageSource reports local storage usage. db.LocalStore implements it.
type UsageSource interface {
	UsageBytes(ctx context.Context) (int64, error)
}

// Limits are the storage thresholds. Zero disables a threshold.
type Limits struct {
	SoftLimitBytes int64
	HardLimitBytes int64
}

// Report describes one Enforce call.
type Report struct {
	StartBytes int64
	Budget     models.StorageBudget // after enforcement
	Warned     bool                 // usage was above a limit
	Swept      int                  // evicted by routine cleanup
	Evicted    map[string]int       // evicted per entity type, sweep included
}

// TotalEvicted returns the number of records evicted.
func (r *Report) TotalEvicted() int {
	n := 0
	for _, c := range r.Evicted {
		n += c
	}
	return n
}

// Manager enforces the storage budget.
type Manager struct {
	usage     UsageSource
	entities  []entity.RetentionManaged
	limits    Limits
	batchSize int
	now       func() time.Time
}

// New creates a Manager. Entities without a retention policy are never evicted.
func New(usage UsageSource, entities []entity.RetentionManaged, limits Limits) (*Manager, error) {
	if usage == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "quota manager needs a usage source")
	}
	if limits.SoftLimitBytes < 0 || limits.HardLimitBytes < 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "storage limits must not be negative")
	}
	if limits.SoftLimitBytes > 0 && limits.HardLimitBytes > 0 && limits.SoftLimitBytes > limits.HardLimitBytes {
		return nil, apperrors.New(apperrors.ErrInvalid, "soft storage limit exceeds hard limit")
	}
	return &Manager{usage: usage, entities: entities, limits: limits, batchSize: DefaultBatchSize, now: time.Now}, nil
}

// SetClock overrides the clock used for retention cutoffs.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetBatchSize changes how many records are evicted between usage checks.
func (m *Manager) SetBatchSize(n int) {
	if n > 0 {
		m.batchSize = n
	}
}

// Limits returns the configured thresholds.
func (m *Manager) Limits() Limits {
	return m.limits
}

// CurrentUsageBytes returns local storage usage.
func (m *Manager) CurrentUsageBytes(ctx context.Context) (int64, error) {
	return m.usage.UsageBytes(ctx)
}

// Budget returns the current usage against the configured limits.
func (m *Manager) Budget(ctx context.Context) (models.StorageBudget, error) {
	used, err := m.CurrentUsageBytes(ctx)
	if err != nil {
		return models.StorageBudget{}, err
	}
	return models.StorageBudget{
		CurrentBytes:   used,
		SoftLimitBytes: m.limits.SoftLimitBytes,
		HardLimitBytes: m.limits.HardLimitBytes,
	}, nil
}

// underPressure reports whether eviction should run. Without a soft limit the
// hard limit is the eviction target.
func underPressure(b models.StorageBudget) bool {
	return b.OverSoft() || b.OverHard()
}

type candidate struct {
	store entity.RetentionManaged
	rec   *models.Record
}

// Enforce sweeps routine-cleanup entities, then, above the soft limit (or the
// hard limit when no soft limit is set), evicts the oldest eligible records
// until usage is back under it or nothing is left to evict. Usage still above the hard limit afterwards is returned as
// STORAGE_LIMIT_EXCEEDED along with the report.
func (m *Manager) Enforce(ctx context.Context) (*Report, error) {
	report := &Report{Evicted: make(map[string]int)}

	swept, err := m.sweep(ctx, report)
	if err != nil {
		return report, err
	}
	report.Swept = swept

	budget, err := m.Budget(ctx)
	if err != nil {
		return report, fmt.Errorf("measure storage: %w", err)
	}
	report.StartBytes = budget.CurrentBytes

	if underPressure(budget) {
		report.Warned = true
		logging.Warn("Local storage above its limit", map[string]interface{}{
			"used":       humanize.IBytes(uint64(budget.CurrentBytes)),
			"soft_limit": humanize.IBytes(uint64(budget.SoftLimitBytes)),
			"hard_limit": humanize.IBytes(uint64(budget.HardLimitBytes)),
		})

		budget, err = m.evictUnderPressure(ctx, budget, report)
		if err != nil {
			return report, err
		}
	}
	report.Budget = budget

	if budget.OverHard() {
		logging.Error("Local storage above hard limit", nil, map[string]interface{}{
			"used":       humanize.IBytes(uint64(budget.CurrentBytes)),
			"hard_limit": humanize.IBytes(uint64(budget.HardLimitBytes)),
			"evicted":    report.TotalEvicted(),
		})
		return report, apperrors.New(apperrors.ErrStorageLimitExceeded, fmt.Sprintf(
			"local storage %s exceeds hard limit %s",
			humanize.IBytes(uint64(budget.CurrentBytes)), humanize.IBytes(uint64(budget.HardLimitBytes))))
	}
	return report, nil
}

// sweep evicts aged records of entities whose policy applies regardless of pressure.
func (m *Manager) sweep(ctx context.Context, report *Report) (int, error) {
	total := 0
	for _, store := range m.entities {
		policy := store.RetentionPolicy()
		if policy == nil || policy.AppliesToSyncedOnly {
			continue
		}
		recs, err := store.EvictionCandidates(ctx, policy.Cutoff(m.now()), 0)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", store.EntityType(), err)
		}
		if len(recs) == 0 {
			continue
		}
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		n, err := store.Evict(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", store.EntityType(), err)
		}
		total += n
		report.Evicted[store.EntityType()] += n
	}
	if total > 0 {
		logging.Info("Retention sweep evicted records", map[string]interface{}{"evicted": total})
	}
	return total, nil
}

func (m *Manager) candidates(ctx context.Context) ([]candidate, error) {
	var out []candidate
	now := m.now()
	for _, store := range m.entities {
		policy := store.RetentionPolicy()
		if policy == nil {
			continue
		}
		recs, err := store.EvictionCandidates(ctx, policy.Cutoff(now), 0)
		if err != nil {
			return nil, fmt.Errorf("eviction candidates %s: %w", store.EntityType(), err)
		}
		for _, r := range recs {
			out = append(out, candidate{store: store, rec: r})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].rec.CreatedAt != out[j].rec.CreatedAt {
			return out[i].rec.CreatedAt < out[j].rec.CreatedAt
		}
		return out[i].rec.ID < out[j].rec.ID
	})
	return out, nil
}

func (m *Manager) evictUnderPressure(ctx context.Context, budget models.StorageBudget, report *Report) (models.StorageBudget, error) {
	cands, err := m.candidates(ctx)
	if err != nil {
		return budget, err
	}

	for start := 0; start < len(cands) && underPressure(budget); start += m.batchSize {
		end := start + m.batchSize
		if end > len(cands) {
			end = len(cands)
		}

		// Group the batch per store, keeping first-seen order.
		var order []entity.RetentionManaged
		groups := make(map[entity.RetentionManaged][]string)
		for _, c := range cands[start:end] {
			if _, ok := groups[c.store]; !ok {
				order = append(order, c.store)
			}
			groups[c.store] = append(groups[c.store], c.rec.ID)
		}
		for _, store := range order {
			n, err := store.Evict(ctx, groups[store])
			if err != nil {
				return budget, fmt.Errorf("evict %s: %w", store.EntityType(), err)
			}
			report.Evicted[store.EntityType()] += n
		}

		budget, err = m.Budget(ctx)
		if err != nil {
			return budget, fmt.Errorf("measure storage: %w", err)
		}
	}

	logging.Info("Quota eviction finished", map[string]interface{}{
		"evicted": report.TotalEvicted(),
		"used":    humanize.IBytes(uint64(budget.CurrentBytes)),
	})
	return budget, nil
}
