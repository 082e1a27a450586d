// Package main tests for desktop server wiring, routing and CLI commands.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/bounceback/backend/internal/config"
	"github.com/kimhsiao/bounceback/backend/internal/engine"
	"github.com/kimhsiao/bounceback/backend/internal/logging"
	"github.com/kimhsiao/bounceback/backend/internal/models"
	syncpkg "github.com/kimhsiao/bounceback/backend/internal/sync"
)

// setupTestConfig writes a config file for a fresh data directory.
func setupTestConfig(t *testing.T) string {
	t.Helper()
	logging.Init(&bytes.Buffer{}, logging.LevelError)

	dataDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "bounceback.yaml")
	body := "data_dir: " + dataDir + "\nuser_id: user-1\nremote:\n  backend: memory\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testApp(t *testing.T) *engine.Engine {
	t.Helper()
	loaded, err := config.Load(setupTestConfig(t))
	require.NoError(t, err)

	a, err := engine.Open(context.Background(), loaded)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestNewMux_health(t *testing.T) {
	mux := newMux(testApp(t))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok","service":"bounceback-desktop"}`, w.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/api/health", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestNewMux_writeReachesStatusFeed(t *testing.T) {
	a := testApp(t)
	srv := httptest.NewServer(newMux(a))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return a.Hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Going offline then writing queues the operation and announces it.
	a.Dispatcher.SetOnline(false)
	body := strings.NewReader(`{"amount": 99, "label": "groceries"}`)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/records/budget_entry/b-1", body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Reconnecting drains the queue in a background pass.
	a.Dispatcher.SetOnline(true)
	require.Eventually(t, func() bool { return !a.Coordinator.HasPendingOperations() }, 5*time.Second, 10*time.Millisecond)

	seen := map[string]bool{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for !seen[syncpkg.EventSyncCompleted] {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var env map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &env))
		seen[env["type"].(string)] = true
	}
	assert.True(t, seen[syncpkg.EventSyncStarted])
}

func TestServe_shutsDownOnCancel(t *testing.T) {
	a := testApp(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, "127.0.0.1:0") }()

	require.Eventually(t, a.Scheduler.IsRunning, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

// =====================================================
// Commands
// =====================================================

func TestCommands_statusJSON(t *testing.T) {
	path := setupTestConfig(t)

	out, err := execute(t, "--config", path, "-o", "json", "status")
	require.NoError(t, err)

	var report syncpkg.StatusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, syncpkg.SyncStatusIdle, report.Status)
	assert.False(t, report.Pending)
	require.NotNil(t, report.Storage)
	assert.Equal(t, int64(200<<20), report.Storage.SoftLimitBytes)
}

func TestCommands_syncAndQueue(t *testing.T) {
	path := setupTestConfig(t)

	out, err := execute(t, "--config", path, "-o", "text", "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Sync ok")
	assert.Contains(t, out, models.EntityCoachMessage)

	out, err = execute(t, "--config", path, "-o", "yaml", "queue", "list")
	require.NoError(t, err)
	var ops []interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &ops))
	assert.Empty(t, ops)

	out, err = execute(t, "--config", path, "-o", "text", "queue", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 0 operation(s)")

	_, err = execute(t, "--config", path, "-o", "text", "queue", "rm", "missing-op")
	assert.Error(t, err)

	out, err = execute(t, "--config", path, "-o", "text", "conflicts")
	require.NoError(t, err)
	assert.Contains(t, out, "No conflicts")
}

func TestCommands_rejectsUnknownFormat(t *testing.T) {
	path := setupTestConfig(t)
	_, err := execute(t, "--config", path, "-o", "xml", "status")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestCommands_version(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "bounceback version "+Version)
}
