package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/bounceback/backend/internal/crypto"
	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
)

// setupEngine initializes the package-level engine over a fresh data directory.
func setupEngine(t *testing.T) {
	t.Helper()
	dataDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "bounceback.yaml")
	body := "data_dir: " + dataDir + "\nuser_id: user-1\nlog:\n  level: error\nremote:\n  backend: memory\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	require.NoError(t, initEngine(path))
	t.Cleanup(shutdownEngine)
}

func decodeJSON(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &out), "payload %q", s)
	return out
}

func TestBridge_notInitialized(t *testing.T) {
	_, err := syncStatus()
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncNotConfigured))

	setLastError(err)
	last := decodeJSON(t, lastError())
	assert.Equal(t, string(apperrors.ErrSyncNotConfigured), last["error"])
	assert.Equal(t, false, last["retryable"])
}

func TestBridge_offlineWriteThenSync(t *testing.T) {
	setupEngine(t)

	out, err := setOnline(false)
	require.NoError(t, err)
	assert.Equal(t, false, decodeJSON(t, out)["online"])

	out, err = putRecord("budget_entry", "b-1", `{"amount": 1200, "label": "rent"}`)
	require.NoError(t, err)
	written := decodeJSON(t, out)
	assert.Equal(t, true, written["queued"])
	assert.NotEmpty(t, written["operation_id"])

	out, err = listQueue()
	require.NoError(t, err)
	ops := decodeJSON(t, out)["operations"].([]interface{})
	require.Len(t, ops, 1)
	payload := ops[0].(map[string]interface{})["payload"].(map[string]interface{})
	assert.Equal(t, crypto.RedactedValue, payload["amount"])

	// A manual pass runs regardless of the online flag.
	out, err = syncNow()
	require.NoError(t, err)
	result := decodeJSON(t, out)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, 1.0, result["queue_applied"])

	out, err = getRecord("budget_entry", "b-1")
	require.NoError(t, err)
	assert.Equal(t, "rent", decodeJSON(t, out)["fields"].(map[string]interface{})["label"])

	out, err = syncStatus()
	require.NoError(t, err)
	status := decodeJSON(t, out)
	assert.Equal(t, false, status["sync"].(map[string]interface{})["pending"])
	assert.Contains(t, status, "scheduler")

	out, err = deleteRecord("budget_entry", "b-1")
	require.NoError(t, err)
	assert.Equal(t, "b-1", decodeJSON(t, out)["id"])
	_, err = getRecord("budget_entry", "b-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestBridge_errors(t *testing.T) {
	setupEngine(t)

	assert.True(t, apperrors.Is(initEngine("unused.yaml"), apperrors.ErrInvalid), "second init is rejected")

	_, err := putRecord("profile", "p-1", `not json`)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = putRecord("ghost", "x", `{}`)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = resolveConflict("coach_message", "msg-1", "sideways")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	out, err := listConflicts()
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestBridge_shutdownIsIdempotent(t *testing.T) {
	setupEngine(t)
	shutdownEngine()
	shutdownEngine()

	_, err := listQueue()
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncNotConfigured))
}
