package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
)

// runCLI executes the root command with --config cfgPath and args.
func runCLI(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.yaml")
	content := fmt.Sprintf("store:\n  data_dir: %s\nremote:\n  base_url: %s\n", filepath.Join(dir, "data"), baseURL)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCLIQueueLifecycle(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	cfg := writeConfig(t, srv.URL)

	out, err := runCLI(t, cfg, "enqueue", "-X", "put", "-d", `{"title":"hi"}`, "--tag", "posts", "-H", "Idempotency-Key: k1", "/posts/1")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	assert.Len(t, id, 36)

	out, err = runCLI(t, cfg, "stats")
	require.NoError(t, err)
	var stats syncpkg.SyncStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Queue.Pending)

	out, err = runCLI(t, cfg, "sync")
	require.NoError(t, err)
	var result syncpkg.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 1, result.Queue.Succeeded)
	assert.Equal(t, []string{"PUT /posts/1"}, paths)

	out, err = runCLI(t, cfg, "clear-completed")
	require.NoError(t, err)
	assert.Equal(t, "removed 1 item(s)\n", out)

	out, err = runCLI(t, cfg, "retry-failed")
	require.NoError(t, err)
	assert.Equal(t, "retried 0 item(s)\n", out)
}

func TestCLIQueueItemCommands(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1")

	out, err := runCLI(t, cfg, "enqueue", "--tag", "drafts", "/drafts/1")
	require.NoError(t, err)
	first := strings.TrimSpace(out)
	_, err = runCLI(t, cfg, "enqueue", "--tag", "drafts", "/drafts/2")
	require.NoError(t, err)
	out, err = runCLI(t, cfg, "enqueue", "/posts/1")
	require.NoError(t, err)
	kept := strings.TrimSpace(out)

	out, err = runCLI(t, cfg, "item", first)
	require.NoError(t, err)
	var item map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &item))
	assert.Equal(t, "/drafts/1", item["url"])
	assert.Equal(t, "pending", item["status"])

	_, err = runCLI(t, cfg, "retry", first)
	assert.ErrorContains(t, err, "not failed")

	_, err = runCLI(t, cfg, "cancel")
	assert.ErrorContains(t, err, "either an id or --tag")
	_, err = runCLI(t, cfg, "cancel", "--tag", "drafts", first)
	assert.Error(t, err)

	out, err = runCLI(t, cfg, "cancel", "--tag", "drafts")
	require.NoError(t, err)
	assert.Equal(t, "cancelled 2 item(s)\n", out)

	_, err = runCLI(t, cfg, "cancel", first)
	assert.ErrorContains(t, err, "not found")

	out, err = runCLI(t, cfg, "cancel", kept)
	require.NoError(t, err)
	assert.Equal(t, "cancelled 1 item(s)\n", out)
}

func TestCLIReset(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1")

	_, err := runCLI(t, cfg, "enqueue", "/posts/1")
	require.NoError(t, err)

	_, err = runCLI(t, cfg, "reset")
	assert.ErrorContains(t, err, "--yes")

	out, err := runCLI(t, cfg, "reset", "--yes")
	require.NoError(t, err)
	assert.Equal(t, "local sync state discarded\n", out)

	out, err = runCLI(t, cfg, "stats")
	require.NoError(t, err)
	var stats syncpkg.SyncStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Zero(t, stats.Queue.Total)
}

func TestCLIEnqueueValidation(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1")

	_, err := runCLI(t, cfg, "enqueue", "-d", "{oops", "/posts")
	assert.ErrorContains(t, err, "payload is not valid JSON")

	_, err = runCLI(t, cfg, "enqueue", "-H", "no-colon", "/posts")
	assert.ErrorContains(t, err, "malformed header")

	_, err = runCLI(t, cfg, "enqueue", "-X", "TRACE", "/posts")
	assert.Error(t, err)

	_, err = runCLI(t, cfg, "enqueue")
	assert.Error(t, err)
}

func TestCLISyncOffline(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1")

	_, err := runCLI(t, cfg, "--offline", "sync")
	assert.ErrorContains(t, err, "offline")
}

func TestCLIConfig(t *testing.T) {
	cfg := writeConfig(t, "https://api.example.com")

	out, err := runCLI(t, cfg, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "base_url: https://api.example.com")
	assert.Contains(t, out, "batch_size: 10")

	_, err = runCLI(t, filepath.Join(t.TempDir(), "missing.yaml"), "config")
	assert.Error(t, err)
}

func TestEnqueueOptionsBuild(t *testing.T) {
	o := &EnqueueOptions{
		Payload:  `[1,2]`,
		Priority: 5,
		Headers:  []string{"X-A: 1", "X-B:two:parts"},
		Delay:    time.Minute,
	}

	qopts, payload, err := o.build()
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(payload))
	assert.Equal(t, 5, qopts.Priority)
	assert.Equal(t, map[string]string{"X-A": "1", "X-B": "two:parts"}, qopts.Headers)
	require.NotNil(t, qopts.ScheduledAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *qopts.ScheduledAt, 5*time.Second)

	_, payload, err = (&EnqueueOptions{}).build()
	require.NoError(t, err)
	assert.Nil(t, payload)
}
