package statusapi

import (
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

	"github.com/riftsec/auditcore/internal/auditdb"
	"github.com/riftsec/auditcore/internal/bus"
	"github.com/riftsec/auditcore/internal/config"
	"github.com/riftsec/auditcore/internal/data"
	"github.com/riftsec/auditcore/internal/netlimit"
	"github.com/riftsec/auditcore/internal/orchestrator"
	"github.com/riftsec/auditcore/internal/pluginsdk"
	"github.com/riftsec/auditcore/internal/plugins"
	"github.com/riftsec/auditcore/internal/scope"
	"github.com/riftsec/auditcore/internal/worker"
)

type blockingPlugin struct {
	pluginsdk.BasePlugin
	release chan struct{}
}

func (p *blockingPlugin) RecvInfo(ctx *pluginsdk.Context, item *data.Item) ([]*data.Item, error) {
	<-p.release
	return nil, nil
}

func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, string, chan struct{}) {
	t.Helper()
	dir := t.TempDir()
	full := filepath.Join(dir, "testing", "stall.golismero")
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	content := "[Core]\nName = stall\nModule = plugin.go\nStage = recon\n\n[Documentation]\nDescription = fixture\n"
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))

	release := make(chan struct{})
	pluginsdk.Register("testing/stall", func() pluginsdk.Plugin {
		return &blockingPlugin{release: release}
	})

	reg := plugins.NewRegistry()
	require.NoError(t, reg.Load(dir, nil, nil))

	b := bus.NewBus()
	pool := worker.NewPool(0, 0)
	t.Cleanup(func() { pool.GracefulStop(time.Second) })
	slots := netlimit.NewSlotManager(0)
	o := orchestrator.New(b, pool, reg, slots, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go o.Run(ctx)

	store := auditdb.NewMemoryStore()
	sc, err := scope.Load([]string{"example.com"}, false)
	require.NoError(t, err)

	cfg := &config.AuditConfig{AuditName: "audit-status", Targets: []string{"example.com"}, PluginsFolder: dir}
	_, err = o.EnqueueAudit(ctx, cfg, store, sc, sc.Seeds())
	require.NoError(t, err)

	return o, "audit-status", release
}

func TestHealthz(t *testing.T) {
	o, _, release := newTestOrchestrator(t)
	defer close(release)

	srv := New(o, []string{"*"})
	ts := httptest.NewServer(srv.Engine())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListAuditsIncludesEnqueuedAudit(t *testing.T) {
	o, name, release := newTestOrchestrator(t)
	defer close(release)

	srv := New(o, []string{"*"})
	ts := httptest.NewServer(srv.Engine())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/audits")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Audits []string `json:"audits"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Audits, name)
}

func TestAuditStatusReturnsStageSnapshot(t *testing.T) {
	o, name, release := newTestOrchestrator(t)
	defer close(release)

	srv := New(o, []string{"*"})
	ts := httptest.NewServer(srv.Engine())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/audits/" + name)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, name, body.AuditName)
	assert.Equal(t, "recon", body.StageName)
	assert.Equal(t, 1, body.ExpectingACK)
}

func TestAuditStatusUnknownAuditReturns404(t *testing.T) {
	o, _, release := newTestOrchestrator(t)
	defer close(release)

	srv := New(o, []string{"*"})
	ts := httptest.NewServer(srv.Engine())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/audits/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuditWSUpgradesAndReceivesObservedMessages(t *testing.T) {
	o, name, release := newTestOrchestrator(t)
	defer close(release)

	srv := New(o, []string{"*"})
	ts := httptest.NewServer(srv.Engine())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/audits/" + name + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	hub, ok := o.Hub(name)
	require.True(t, ok)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Observe(bus.New(bus.TypeStatus, bus.CodeProgress, "10%", bus.Low))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "PROGRESS")
}

func TestAuditWSUnknownAuditReturns404(t *testing.T) {
	o, _, release := newTestOrchestrator(t)
	defer close(release)

	srv := New(o, []string{"*"})
	ts := httptest.NewServer(srv.Engine())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/audits/does-not-exist/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
