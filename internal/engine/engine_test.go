package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/bounceback/backend/internal/config"
	"github.com/kimhsiao/bounceback/backend/internal/crypto"
	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
	"github.com/kimhsiao/bounceback/backend/internal/models"
)

// loadConfig writes a config for dataDir and loads it.
func loadConfig(t *testing.T, dataDir, backend string) *config.Config {
	t.Helper()
	logging.Init(&bytes.Buffer{}, logging.LevelError)

	path := filepath.Join(t.TempDir(), "bounceback.yaml")
	body := "data_dir: " + dataDir + "\nuser_id: user-1\nremote:\n  backend: " + backend + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func openEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// TestEngine_offlineWorkflow covers a full offline session: every write
// succeeds locally, and the first pass after reconnecting publishes it.
func TestEngine_offlineWorkflow(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, loadConfig(t, t.TempDir(), config.RemoteMemory))
	e.Dispatcher.SetOnline(false)

	for _, w := range []struct {
		entity, id string
		fields     map[string]interface{}
	}{
		{models.EntityProfile, "user-1", map[string]interface{}{"name": "Sam"}},
		{models.EntityBudgetEntry, "b-1", map[string]interface{}{"amount": 1200.0, "label": "rent"}},
		{models.EntityJobApplication, "job-1", map[string]interface{}{"company": "Acme"}},
	} {
		result, err := e.Records.Put(ctx, w.entity, w.id, w.fields)
		require.NoError(t, err)
		assert.True(t, result.Queued, "%s should queue while offline", w.entity)
		assert.NotEmpty(t, result.OperationID)
	}

	rec, err := e.Records.Get(ctx, models.EntityBudgetEntry, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "rent", rec.Fields["label"])

	_, err = e.Records.Delete(ctx, models.EntityJobApplication, "job-1")
	require.NoError(t, err)
	_, err = e.Records.Get(ctx, models.EntityJobApplication, "job-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.True(t, e.Coordinator.HasPendingOperations())

	result := e.Coordinator.RunSyncPass(ctx, e.UserID())
	require.True(t, result.Success, "errors: %v", result.Errors)
	assert.False(t, e.Coordinator.HasPendingOperations())

	rows, err := e.Remote.Select(ctx, "budget_entries", "user-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, crypto.IsEncrypted(rows[0]["amount"]), "sensitive fields leave the device encrypted")
	assert.Equal(t, "rent", rows[0].String("label"))

	rows, err = e.Remote.Select(ctx, "job_applications", "user-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEngine_queueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := loadConfig(t, t.TempDir(), config.RemoteMemory)

	first, err := Open(ctx, cfg)
	require.NoError(t, err)
	first.Dispatcher.SetOnline(false)
	_, err = first.Records.Put(ctx, models.EntityMoodEntry, "m-1", map[string]interface{}{"score": 3.0})
	require.NoError(t, err)
	first.Close()

	second := openEngine(t, cfg)
	require.True(t, second.Coordinator.HasPendingOperations())
	ops := second.Coordinator.QueuedOperations()
	require.Len(t, ops, 1)
	assert.Equal(t, "m-1", ops[0].TargetRecordID)
}

func TestEngine_dirRemoteSharedBetweenDevices(t *testing.T) {
	ctx := context.Background()
	shared := t.TempDir()

	laptopCfg := loadConfig(t, t.TempDir(), config.RemoteDir)
	laptopCfg.Remote.Dir = shared
	laptop := openEngine(t, laptopCfg)

	_, err := laptop.Records.Put(ctx, models.EntityBouncePlanTask, "task-1", map[string]interface{}{"title": "Update resume"})
	require.NoError(t, err)

	phoneCfg := loadConfig(t, t.TempDir(), config.RemoteDir)
	phoneCfg.Remote.Dir = shared
	phone := openEngine(t, phoneCfg)

	result := phone.Coordinator.RunSyncPass(ctx, phone.UserID())
	require.True(t, result.Success, "errors: %v", result.Errors)

	rec, err := phone.Records.Get(ctx, models.EntityBouncePlanTask, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "Update resume", rec.Fields["title"])
}

func TestRecords_errors(t *testing.T) {
	ctx := context.Background()
	cfg := loadConfig(t, t.TempDir(), config.RemoteMemory)
	e := openEngine(t, cfg)

	_, err := e.Records.Put(ctx, "ghost", "x", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = e.Records.Put(ctx, models.EntityProfile, "", map[string]interface{}{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = e.Records.Delete(ctx, models.EntityProfile, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	cfg.UserID = ""
	_, err = e.Records.Get(ctx, models.EntityProfile, "user-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthenticationMissing))
}

func TestRecords_otherOwnerIsNotFound(t *testing.T) {
	ctx := context.Background()
	cfg := loadConfig(t, t.TempDir(), config.RemoteMemory)
	e := openEngine(t, cfg)

	_, err := e.Records.Put(ctx, models.EntityProfile, "p-1", map[string]interface{}{"name": "Sam"})
	require.NoError(t, err)

	cfg.UserID = "user-2"
	_, err = e.Records.Get(ctx, models.EntityProfile, "p-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	_, err = e.Records.Put(ctx, models.EntityProfile, "p-1", map[string]interface{}{"name": "Alex"})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestOpenRemote(t *testing.T) {
	_, err := OpenRemote(context.Background(), &config.Config{Remote: config.RemoteConfig{Backend: config.RemoteS3}})
	assert.Error(t, err, "object storage needs a bucket")

	dir := filepath.Join(t.TempDir(), "share")
	backend, err := OpenRemote(context.Background(), &config.Config{Remote: config.RemoteConfig{Backend: config.RemoteDir, Dir: dir}})
	require.NoError(t, err)

	row := models.Row{models.ColumnID: "t1", models.ColumnOwnerID: "user-1", "title": "x", models.ColumnUpdatedAt: int64(1)}
	require.NoError(t, backend.Insert(context.Background(), "bounce_plan_tasks", row))
	assert.DirExists(t, filepath.Join(dir, "tables"))
}

func TestSensitiveFields(t *testing.T) {
	fields := SensitiveFields(models.DefaultEntitySpecs())
	assert.ElementsMatch(t, []string{"amount", "account_number"}, fields)
}
