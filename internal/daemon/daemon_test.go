package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vclsched/vclsched/internal/config"
	"github.com/vclsched/vclsched/internal/db"
	"github.com/vclsched/vclsched/internal/models"
	"github.com/vclsched/vclsched/internal/orchestrator"
	"github.com/vclsched/vclsched/internal/pending"
	testutil "github.com/vclsched/vclsched/internal/testing"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.ConfigPath = filepath.Join(dir, "config.yaml")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.DBPath = filepath.Join(cfg.DataDir, "vclsched.db")
	cfg.PendingDBPath = filepath.Join(cfg.DataDir, "pending.db")
	cfg.PendingKeyPath = filepath.Join(dir, "keys", "pending.key")
	cfg.SocketPath = shortSocketPath(t)
	return cfg
}

// shortSocketPath keeps the socket under the unix path length limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "vcld")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "vcld.sock")
}

func unixClient(path string) *http.Client {
	return &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}
}

func openService(t *testing.T, cfg config.Config) *Service {
	t.Helper()
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesStateFiles(t *testing.T) {
	cfg := testConfig(t)
	openService(t, cfg)

	for _, path := range []string{cfg.DBPath, cfg.PendingDBPath, cfg.PendingKeyPath} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}
	info, err := os.Stat(cfg.SocketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(socketPerms), info.Mode().Perm())
	require.NoError(t, config.CheckKeyPermissions(cfg.PendingKeyPath))
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.PendingDBPath = cfg.DBPath
	_, err := Open(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pending_db_path must differ")
}

func TestStageAndConfirm(t *testing.T) {
	ctx := context.Background()
	s := openService(t, testConfig(t))
	store := s.Store()
	require.NoError(t, store.GrantManage(ctx, testutil.TestActor, db.AllComputers))
	id, err := store.CreateComputer(ctx, testutil.NewTestComputer(testutil.ComputerOpts{}))
	require.NoError(t, err)

	batch := orchestrator.Batch{
		Actor:       testutil.TestActor,
		ComputerIDs: []int{id},
		Action:      orchestrator.Action{Kind: orchestrator.KindState, State: models.ComputerMaintenance, Reason: "disk swap"},
	}
	staged, err := s.Stage(ctx, batch)
	require.NoError(t, err)
	require.NotEmpty(t, staged.Token)
	require.Len(t, staged.Report.Immediate, 1)

	c, err := store.GetComputer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ComputerAvailable, c.State, "preview must not mutate")

	_, err = s.Confirm(ctx, "someone@else", staged.Token)
	assert.ErrorIs(t, err, pending.ErrTokenActor)

	report, err := s.Confirm(ctx, testutil.TestActor, staged.Token)
	require.NoError(t, err)
	require.Len(t, report.Immediate, 1)

	c, err = store.GetComputer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ComputerMaintenance, c.State)
	assert.Contains(t, c.Notes, "@disk swap")

	_, err = s.Confirm(ctx, testutil.TestActor, staged.Token)
	assert.ErrorIs(t, err, pending.ErrTokenNotFound)
}

func TestStageWithoutChangesHasNoToken(t *testing.T) {
	ctx := context.Background()
	s := openService(t, testConfig(t))
	require.NoError(t, s.Store().GrantManage(ctx, testutil.TestActor, db.AllComputers))
	id, err := s.Store().CreateComputer(ctx, testutil.NewTestComputer(testutil.ComputerOpts{Type: models.ComputerLab}))
	require.NoError(t, err)

	staged, err := s.Stage(ctx, orchestrator.Batch{
		Actor:       testutil.TestActor,
		ComputerIDs: []int{id},
		Action:      orchestrator.Action{Kind: orchestrator.KindState, State: models.ComputerHPC},
	})
	require.NoError(t, err)
	assert.Empty(t, staged.Token)
	require.Len(t, staged.Report.Rejected, 1)
}

func TestServeMetricsAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsListen = "127.0.0.1:0"
	s := openService(t, cfg)
	require.NotEmpty(t, s.MetricsAddr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	client := &http.Client{Timeout: 2 * time.Second}
	var body []byte
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + s.MetricsAddr() + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ = io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "ok", string(body))

	resp, err := client.Get("http://" + s.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	metricsBody, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(metricsBody), "vclsched_")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServeControlSocket(t *testing.T) {
	cfg := testConfig(t)
	s := openService(t, cfg)
	require.NoError(t, s.Store().GrantManage(context.Background(), testutil.TestActor, db.AllComputers))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	client := unixClient(cfg.SocketPath)
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://unix/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, "http://unix/v1/computers", strings.NewReader(`{"hostname":"blade-01","type":"blade"}`))
	require.NoError(t, err)
	req.Header.Set(ActorHeader, testutil.TestActor)
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = client.Get("http://unix/v1/computers")
	require.NoError(t, err)
	var list V1ComputersResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	_ = resp.Body.Close()
	require.Len(t, list.Computers, 1)
	assert.Equal(t, "available", list.Computers[0].State)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	_, err = os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(err), "socket removed on shutdown")
}
