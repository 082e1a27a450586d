package models

import "fmt"

// Strategy selects how an entity type is reconciled against the remote.
type Strategy string

const (
	// StrategyLastWriteWins syncs both directions; the newer UpdatedAt wins, ties go to remote.
	StrategyLastWriteWins Strategy = "last_write_wins"
	// StrategyAppendOnly pushes local records once and never pulls or overwrites them.
	StrategyAppendOnly Strategy = "append_only"
	// StrategyMergeConflict unions both sides by id and reports divergent edits as conflicts.
	StrategyMergeConflict Strategy = "merge_conflict"
)

// Entity type names, in declared sync order.
const (
	EntityProfile        = "profile"
	EntityBouncePlanTask = "bounce_plan_task"
	EntityJobApplication = "job_application"
	EntityBudgetEntry    = "budget_entry"
	EntityTaskCompletion = "task_completion"
	EntityMoodEntry      = "mood_entry"
	EntityCoachMessage   = "coach_message"
)

// EntitySpec declares how one entity type participates in sync.
type EntitySpec struct {
	Type            string           `json:"type"`
	Table           string           `json:"table"`
	Strategy        Strategy         `json:"strategy"`
	SensitiveFields []string         `json:"sensitive_fields,omitempty"`
	Retention       *RetentionPolicy `json:"retention,omitempty"`
}

// Validate checks that the entity spec is usable by a reconciler.
func (s EntitySpec) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("entity spec has no type")
	}
	if s.Table == "" {
		return fmt.Errorf("entity spec %s has no table", s.Type)
	}
	switch s.Strategy {
	case StrategyLastWriteWins, StrategyAppendOnly, StrategyMergeConflict:
	default:
		return fmt.Errorf("entity spec %s has unknown strategy %q", s.Type, s.Strategy)
	}
	if s.Retention != nil && s.Retention.MaxAgeDays <= 0 {
		return fmt.Errorf("entity spec %s has non-positive retention", s.Type)
	}
	return nil
}

// IsSensitive reports whether field must be encrypted before leaving the device.
func (s EntitySpec) IsSensitive(field string) bool {
	for _, f := range s.SensitiveFields {
		if f == field {
			return true
		}
	}
	return false
}

// DefaultEntitySpecs returns the entity types synced by the app in declared order.
func DefaultEntitySpecs() []EntitySpec {
	return []EntitySpec{
		{Type: EntityProfile, Table: "profiles", Strategy: StrategyLastWriteWins},
		{Type: EntityBouncePlanTask, Table: "bounce_plan_tasks", Strategy: StrategyLastWriteWins},
		{Type: EntityJobApplication, Table: "job_applications", Strategy: StrategyLastWriteWins},
		{
			Type:            EntityBudgetEntry,
			Table:           "budget_entries",
			Strategy:        StrategyLastWriteWins,
			SensitiveFields: []string{"amount", "account_number"},
		},
		{
			Type:      EntityTaskCompletion,
			Table:     "task_completions",
			Strategy:  StrategyAppendOnly,
			Retention: &RetentionPolicy{MaxAgeDays: 180, AppliesToSyncedOnly: true},
		},
		{
			Type:      EntityMoodEntry,
			Table:     "mood_logs",
			Strategy:  StrategyAppendOnly,
			Retention: &RetentionPolicy{MaxAgeDays: 90, AppliesToSyncedOnly: true},
		},
		{
			Type:      EntityCoachMessage,
			Table:     "coach_messages",
			Strategy:  StrategyMergeConflict,
			Retention: &RetentionPolicy{MaxAgeDays: 30, AppliesToSyncedOnly: false},
		},
	}
}

// SpecByType indexes specs by entity type.
func SpecByType(specs []EntitySpec) map[string]EntitySpec {
	out := make(map[string]EntitySpec, len(specs))
	for _, s := range specs {
		out[s.Type] = s
	}
	return out
}
