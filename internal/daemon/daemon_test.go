package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tandem/internal/config"
	"github.com/harun/tandem/internal/logger"
	"github.com/harun/tandem/pkg/agent"
	"github.com/harun/tandem/pkg/agent/agenttest"
	"github.com/harun/tandem/pkg/coretools"
	"github.com/harun/tandem/pkg/toolexecutor"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Server.Port = 0
	cfg.Storage.SessionsDir = dir + "/sessions"
	cfg.Storage.SQLitePath = dir + "/sessions.db"
	cfg.Agent.APIKey = "sk-test-key"
	return cfg
}

func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := New(cfg, log, Options{
		Client: agenttest.New(agenttest.Text("hello", agent.StopEndTurn)),
	})
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	assert.NotNil(t, d.sessions)
	assert.NotNil(t, d.executor)
	assert.NotNil(t, d.orchestrator)
	assert.NotNil(t, d.gatewayServer)
	assert.NotNil(t, d.cleanup)
	assert.Nil(t, d.watcher, "no loader, no watcher")
	assert.Nil(t, d.approver)
	assert.Equal(t, "scripted", d.Status().Backend)
}

func TestNew_BuildsBackendFromConfig(t *testing.T) {
	cfg := testConfig(t)
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	d, err := New(cfg, log, Options{})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", d.client.Backend())

	cfg = testConfig(t)
	cfg.Agent.Backend = "carrier-pigeon"
	_, err = New(cfg, log, Options{})
	assert.Error(t, err)
}

func TestNew_SQLiteStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "sqlite"
	d := createTestDaemon(t, cfg)

	s, err := d.sessions.Create(context.Background(), t.TempDir(), "m")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	_, err = os.Stat(cfg.Storage.SQLitePath)
	assert.NoError(t, err)
}

func TestNew_ApprovalModes(t *testing.T) {
	tests := []struct {
		mode    string
		web     bool
		wantErr bool
	}{
		{mode: "auto"},
		{mode: "deny"},
		{mode: "web", web: true},
		{mode: "maybe", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Tools.Approval = tt.mode
			log, err := logger.New(logger.Config{Level: "error"})
			require.NoError(t, err)
			defer log.Close()

			d, err := New(cfg, log, Options{Client: agenttest.New()})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.web, d.approver != nil)
		})
	}
}

func TestDaemon_PermissionsFromConfigAndReload(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.Permissions.Deny = []string{coretools.Bash}
	d := createTestDaemon(t, cfg)

	policy := d.executor.Policy()
	assert.Equal(t, toolexecutor.LevelDenied, policy.Level(coretools.Bash))

	next := testConfig(t)
	next.Tools.Permissions.Ask = []string{coretools.ReadFile}
	require.NoError(t, d.applyReload(next))
	assert.NotEqual(t, toolexecutor.LevelDenied, policy.Level(coretools.Bash))
	assert.Equal(t, toolexecutor.LevelAskUser, policy.Level(coretools.ReadFile))
}

func TestDaemon_HandlerServesHealth(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDaemon_RunAndStop(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)

	status := d.Status()
	assert.False(t, status.Running)
	assert.Zero(t, status.Uptime)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	pidFile := PIDFilePath(cfg.DataDir)
	require.Eventually(t, func() bool { return IsRunning(pidFile) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return d.Status().Running }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.False(t, d.Status().Running)
	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "PID file removed on shutdown")
}
