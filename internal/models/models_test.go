// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Record Tests
// =====================================================

func sampleRecord() *Record {
	return &Record{
		ID:         "rec-1",
		EntityType: EntityBudgetEntry,
		OwnerID:    "user-1",
		CreatedAt:  1_700_000_000_000,
		UpdatedAt:  1_700_000_500_000,
		SyncState:  SyncStatePendingPush,
		Fields:     map[string]interface{}{"label": "rent", "amount": int64(1200)},
	}
}

// TestRecord_rowRoundTrip verifies ToRow and RecordFromRow preserve content.
func TestRecord_rowRoundTrip(t *testing.T) {
	rec := sampleRecord()

	row := rec.ToRow()
	assert.Equal(t, "rec-1", row[ColumnID])
	assert.Equal(t, "user-1", row[ColumnOwnerID])
	assert.Equal(t, false, row[ColumnDeleted])

	// Simulate the JSON hop through the remote backend.
	data, err := json.Marshal(row)
	require.NoError(t, err)
	var decoded Row
	require.NoError(t, json.Unmarshal(data, &decoded))

	back, err := RecordFromRow(EntityBudgetEntry, decoded, 42)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, back.ID)
	assert.Equal(t, rec.CreatedAt, back.CreatedAt)
	assert.Equal(t, rec.UpdatedAt, back.UpdatedAt)
	assert.Equal(t, SyncStateClean, back.SyncState)
	assert.Equal(t, int64(42), back.SyncedAt)
	assert.NotContains(t, back.Fields, ColumnID)
	assert.True(t, SameContent(rec, back), "int64 and float64 amounts must hash equal")
}

// TestRecordFromRow_missingID verifies rows without an id are rejected.
func TestRecordFromRow_missingID(t *testing.T) {
	_, err := RecordFromRow(EntityProfile, Row{"name": "x"}, 0)
	assert.Error(t, err)
}

// TestRecord_ContentHash verifies hashing ignores metadata and tracks content.
func TestRecord_ContentHash(t *testing.T) {
	a := sampleRecord()
	b := a.Clone()
	b.UpdatedAt++
	b.SyncState = SyncStateClean
	b.SyncedAt = 99
	assert.Equal(t, a.ContentHash(), b.ContentHash())

	b.Fields["label"] = "mortgage"
	assert.NotEqual(t, a.ContentHash(), b.ContentHash())

	c := a.Clone()
	c.Deleted = true
	assert.NotEqual(t, a.ContentHash(), c.ContentHash())

	assert.True(t, SameContent(nil, nil))
	assert.False(t, SameContent(a, nil))
}

// TestRecord_Clone verifies the clone owns its fields map.
func TestRecord_Clone(t *testing.T) {
	a := sampleRecord()
	b := a.Clone()
	b.Fields["label"] = "changed"
	assert.Equal(t, "rent", a.Fields["label"])

	var nilRec *Record
	assert.Nil(t, nilRec.Clone())
}

// TestRow_accessors verifies typed reads over decoded JSON values.
func TestRow_accessors(t *testing.T) {
	row := Row{"s": "x", "f": float64(12), "i": int64(7), "n": json.Number("9"), "b": true}
	assert.Equal(t, "x", row.String("s"))
	assert.Equal(t, "", row.String("f"))
	assert.Equal(t, int64(12), row.Int64("f"))
	assert.Equal(t, int64(7), row.Int64("i"))
	assert.Equal(t, int64(9), row.Int64("n"))
	assert.Equal(t, int64(0), row.Int64("missing"))
	assert.True(t, row.Bool("b"))
	assert.Nil(t, Row(nil).Clone())
}

// TestSyncState_Valid verifies state validation.
func TestSyncState_Valid(t *testing.T) {
	for _, s := range []SyncState{SyncStateClean, SyncStatePendingPush, SyncStatePendingPull, SyncStateConflicted} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, SyncState("syncing").Valid())
}

// =====================================================
// EntitySpec Tests
// =====================================================

// TestDefaultEntitySpecs verifies declared order and per-type settings.
func TestDefaultEntitySpecs(t *testing.T) {
	specs := DefaultEntitySpecs()
	var order []string
	for _, s := range specs {
		require.NoError(t, s.Validate())
		order = append(order, s.Type)
	}
	assert.Equal(t, []string{
		EntityProfile, EntityBouncePlanTask, EntityJobApplication, EntityBudgetEntry,
		EntityTaskCompletion, EntityMoodEntry, EntityCoachMessage,
	}, order)

	byType := SpecByType(specs)
	budget := byType[EntityBudgetEntry]
	assert.True(t, budget.IsSensitive("amount"))
	assert.True(t, budget.IsSensitive("account_number"))
	assert.False(t, budget.IsSensitive("label"))

	assert.Equal(t, StrategyAppendOnly, byType[EntityMoodEntry].Strategy)
	assert.Equal(t, StrategyMergeConflict, byType[EntityCoachMessage].Strategy)
	assert.NotNil(t, byType[EntityTaskCompletion].Retention)
}

// TestEntitySpec_Validate verifies invalid specs are rejected.
func TestEntitySpec_Validate(t *testing.T) {
	tests := []struct {
		name string
		spec EntitySpec
	}{
		{"no type", EntitySpec{Table: "t", Strategy: StrategyAppendOnly}},
		{"no table", EntitySpec{Type: "x", Strategy: StrategyAppendOnly}},
		{"bad strategy", EntitySpec{Type: "x", Table: "t", Strategy: "crdt"}},
		{"bad retention", EntitySpec{Type: "x", Table: "t", Strategy: StrategyAppendOnly, Retention: &RetentionPolicy{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.spec.Validate())
		})
	}
}

// =====================================================
// Retention and Budget Tests
// =====================================================

// TestRetentionPolicy_Eligible verifies only clean aged records are eligible.
func TestRetentionPolicy_Eligible(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := RetentionPolicy{MaxAgeDays: 30}

	old := &Record{CreatedAt: now.Add(-31 * 24 * time.Hour).UnixMilli(), SyncState: SyncStateClean}
	young := &Record{CreatedAt: now.Add(-29 * 24 * time.Hour).UnixMilli(), SyncState: SyncStateClean}
	dirty := &Record{CreatedAt: old.CreatedAt, SyncState: SyncStatePendingPush}

	assert.True(t, p.Eligible(old, now))
	assert.False(t, p.Eligible(young, now))
	assert.False(t, p.Eligible(dirty, now))
}

// TestStorageBudget verifies limit comparisons, with zero meaning unlimited.
func TestStorageBudget(t *testing.T) {
	b := StorageBudget{CurrentBytes: 150, SoftLimitBytes: 100, HardLimitBytes: 200}
	assert.True(t, b.OverSoft())
	assert.False(t, b.OverHard())

	b.CurrentBytes = 201
	assert.True(t, b.OverHard())

	assert.False(t, StorageBudget{CurrentBytes: 1 << 40}.OverSoft())
}

// =====================================================
// Operation Tests
// =====================================================

// TestOfflineOperation verifies kind validation and size approximation.
func TestOfflineOperation(t *testing.T) {
	assert.True(t, OperationDelete.Valid())
	assert.False(t, OperationKind("upsert").Valid())

	op := &OfflineOperation{ID: "01H", EntityType: EntityMoodEntry, TargetRecordID: "m1", Payload: Row{"mood": 3}}
	assert.Greater(t, op.SizeBytes(), int64(len(`{"mood":3}`)))
	assert.Equal(t, "offline_operations", op.TableName())
}

// TestResolution_Valid verifies resolution validation.
func TestResolution_Valid(t *testing.T) {
	assert.True(t, ResolutionKeepLocal.Valid())
	assert.True(t, ResolutionKeepRemote.Valid())
	assert.False(t, Resolution("merge").Valid())
}
