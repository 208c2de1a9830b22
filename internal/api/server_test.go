package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/till-core/internal/audit"
	"github.com/nerrad567/till-core/internal/infrastructure/config"
	"github.com/nerrad567/till-core/internal/infrastructure/database"
	"github.com/nerrad567/till-core/internal/maintenance"
	"github.com/nerrad567/till-core/internal/store"
)

type fakeStore struct {
	stats     store.Stats
	healthErr error
}

func (f *fakeStore) Stats() store.Stats                { return f.stats }
func (f *fakeStore) Path() string                      { return "/var/lib/till/till.db" }
func (f *fakeStore) HealthCheck(context.Context) error { return f.healthErr }

type fakeChecker struct {
	err error
}

func (f fakeChecker) HealthCheck(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	return ctx.Err()
}

type fakeHistory struct {
	mu     sync.Mutex
	filter audit.Filter
	result *audit.ListResult
	panics bool
}

func (f *fakeHistory) List(_ context.Context, filter audit.Filter) (*audit.ListResult, error) {
	if f.panics {
		panic("history exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return f.result, nil
}

type fakeMaintenance struct {
	backup    maintenance.Result
	integrity maintenance.Result
	calls     []string
}

func (f *fakeMaintenance) RunBackup(ctx context.Context) maintenance.Result {
	if ctx.Err() != nil {
		return maintenance.Result{Kind: maintenance.KindBackup, Error: ctx.Err().Error()}
	}
	f.calls = append(f.calls, maintenance.KindBackup)
	return f.backup
}

func (f *fakeMaintenance) RunIntegrity(context.Context) maintenance.Result {
	f.calls = append(f.calls, maintenance.KindIntegrity)
	return f.integrity
}

// testServer creates a Server with fakes for every dependency.
func testServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Store == nil {
		deps.Store = &fakeStore{stats: store.Stats{State: store.StateReady, Processed: 12, Failed: 1}}
	}
	if deps.Terminal == "" {
		deps.Terminal = "till-01"
	}
	if deps.Version == "" {
		deps.Version = "test"
	}
	srv, err := New(deps)
	require.NoError(t, err)
	return srv
}

// do sends a request through the router and decodes a JSON body into out.
func do(t *testing.T, srv *Server, method, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)

	if out != nil {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out), "%s %s: decoding body", method, path)
	}
	return rec
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err, "New() without store should fail")
}

func TestHealth(t *testing.T) {
	srv := testServer(t, Deps{Version: "1.2.3"})

	var body HealthResponse
	rec := do(t, srv, http.MethodGet, "/api/v1/health", &body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthResponse{
		Status:     "ok",
		Version:    "1.2.3",
		Components: map[string]string{"database": "ok"},
	}, body)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestHealth_Components(t *testing.T) {
	tests := []struct {
		name       string
		store      *fakeStore
		checks     map[string]Checker
		wantStatus int
		want       map[string]string
	}{
		{
			name:       "all healthy",
			store:      &fakeStore{},
			checks:     map[string]Checker{"mqtt": fakeChecker{}, "influxdb": fakeChecker{}},
			wantStatus: http.StatusOK,
			want:       map[string]string{"database": "ok", "mqtt": "ok", "influxdb": "ok"},
		},
		{
			name:       "broker down",
			store:      &fakeStore{},
			checks:     map[string]Checker{"mqtt": fakeChecker{err: errors.New("mqtt: client not connected")}},
			wantStatus: http.StatusServiceUnavailable,
			want:       map[string]string{"database": "ok", "mqtt": "mqtt: client not connected"},
		},
		{
			name:       "database unavailable",
			store:      &fakeStore{healthErr: store.ErrClosed},
			wantStatus: http.StatusServiceUnavailable,
			want:       map[string]string{"database": store.ErrClosed.Error()},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(t, Deps{Store: tt.store, Checks: tt.checks})

			var body HealthResponse
			rec := do(t, srv, http.MethodGet, "/api/v1/health", &body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.want, body.Components)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "ok", body.Status)
			} else {
				assert.Equal(t, "degraded", body.Status)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	srv := testServer(t, Deps{})

	var status StatusResponse
	rec := do(t, srv, http.MethodGet, "/api/v1/status", &status)

	require.Equal(t, http.StatusOK, rec.Code)
	want := StatusResponse{
		Terminal:     "till-01",
		Version:      "test",
		Database:     "/var/lib/till/till.db",
		State:        "ready",
		SchemaTarget: database.TargetVersion,
		Queue:        QueueStatus{Processed: 12, Failed: 1},
	}
	status.Uptime = ""
	assert.Equal(t, want, status)
}

func TestHistory(t *testing.T) {
	history := &fakeHistory{result: &audit.ListResult{
		Logs:  []audit.AuditLog{{ID: "aud-1", Action: audit.ActionBackup, Source: audit.SourceDaemon, Success: true}},
		Total: 1,
		Limit: 5,
	}}
	srv := testServer(t, Deps{History: history})

	var res audit.ListResult
	rec := do(t, srv, http.MethodGet, "/api/v1/history?action=backup&source=daemon&limit=5&offset=bad", &res)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, audit.Filter{Action: "backup", Source: "daemon", Limit: 5}, history.filter)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "aud-1", res.Logs[0].ID)
}

func TestHistory_NotConfigured(t *testing.T) {
	srv := testServer(t, Deps{})

	var apiErr Error
	rec := do(t, srv, http.MethodGet, "/api/v1/history", &apiErr)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, ErrCodeUnavailable, apiErr.Code)
}

func TestRunMaintenance(t *testing.T) {
	m := &fakeMaintenance{
		backup:    maintenance.Result{Kind: maintenance.KindBackup, OK: true, Path: "/backups/b.db", Size: 4096},
		integrity: maintenance.Result{Kind: maintenance.KindIntegrity, Error: "row 3 missing from index"},
	}
	srv := testServer(t, Deps{Maintenance: m})

	tests := []struct {
		path       string
		wantStatus int
		wantKind   string
	}{
		{"/api/v1/maintenance/backup", http.StatusOK, maintenance.KindBackup},
		{"/api/v1/maintenance/integrity", http.StatusInternalServerError, maintenance.KindIntegrity},
	}
	for _, tt := range tests {
		t.Run(tt.wantKind, func(t *testing.T) {
			var res maintenance.Result
			rec := do(t, srv, http.MethodPost, tt.path, &res)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantKind, res.Kind)
		})
	}

	rec := do(t, srv, http.MethodPost, "/api/v1/maintenance/vacuum", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "unknown kind")

	rec = do(t, srv, http.MethodGet, "/api/v1/maintenance/backup", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Equal(t, []string{"backup", "integrity"}, m.calls)
}

func TestRunMaintenance_SurvivesClientCancel(t *testing.T) {
	m := &fakeMaintenance{backup: maintenance.Result{Kind: maintenance.KindBackup, OK: true}}
	srv := testServer(t, Deps{Maintenance: m})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/maintenance/backup", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunMaintenance_NotConfigured(t *testing.T) {
	srv := testServer(t, Deps{})

	rec := do(t, srv, http.MethodPost, "/api/v1/maintenance/backup", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseOrderNumber(t *testing.T) {
	srv := testServer(t, Deps{})

	var parsed map[string]any
	rec := do(t, srv, http.MethodGet, "/api/v1/order-numbers/R24050100003", &parsed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Return", parsed["type_name"])
	assert.Equal(t, "2024-05-01", parsed["date"])
	assert.Equal(t, float64(3), parsed["sequence"])

	var apiErr Error
	rec = do(t, srv, http.MethodGet, "/api/v1/order-numbers/S2405", &apiErr)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeBadRequest, apiErr.Code)
}

func TestRequestID(t *testing.T) {
	srv := testServer(t, Deps{})
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"), "echoed")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36, "generated UUID")
}

func TestRecovery(t *testing.T) {
	srv := testServer(t, Deps{History: &fakeHistory{panics: true}})

	var apiErr Error
	rec := do(t, srv, http.MethodGet, "/api/v1/history", &apiErr)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternal, apiErr.Code)
}

func TestStartAndClose(t *testing.T) {
	srv := testServer(t, Deps{Config: config.APIConfig{
		Host:     "127.0.0.1",
		Port:     0,
		Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
	}})

	assert.Empty(t, srv.Addr(), "Addr() before Start")
	require.NoError(t, srv.Start(context.Background()))

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + srv.Addr() + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NoError(t, srv.Close())
	_, err = client.Get("http://" + srv.Addr() + "/api/v1/health")
	assert.Error(t, err, "GET after Close should fail")
}

func TestStart_PortInUse(t *testing.T) {
	first := testServer(t, Deps{Config: config.APIConfig{Host: "127.0.0.1"}})
	require.NoError(t, first.Start(context.Background()))
	defer first.Close()

	_, port, _ := strings.Cut(first.Addr(), ":")
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	cfg := config.APIConfig{Host: "127.0.0.1", Port: n}

	second := testServer(t, Deps{Config: cfg})
	if err := second.Start(context.Background()); err == nil {
		second.Close()
		t.Error("Start() on a bound port should fail")
	}
}

func TestHistory_RealStore(t *testing.T) {
	m := store.NewManager(database.Config{
		Path:        filepath.Join(t.TempDir(), "till.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	t.Cleanup(func() {
		m.Close(context.Background()) //nolint:errcheck // Test cleanup
	})
	repo := audit.NewRepository(m)
	require.NoError(t, repo.Create(context.Background(), &audit.AuditLog{
		Action: audit.ActionRestore, EntityType: "database", Source: audit.SourceCLI, Success: true,
	}))

	srv := testServer(t, Deps{Store: m, History: repo})

	var res audit.ListResult
	do(t, srv, http.MethodGet, "/api/v1/history", &res)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, audit.ActionRestore, res.Logs[0].Action)

	var health HealthResponse
	rec := do(t, srv, http.MethodGet, "/api/v1/health", &health)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", health.Components["database"])

	var status StatusResponse
	do(t, srv, http.MethodGet, "/api/v1/status", &status)
	assert.Equal(t, "ready", status.State)
	assert.GreaterOrEqual(t, status.Queue.Processed, int64(2))
}
