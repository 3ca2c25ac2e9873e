package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/enrichd/enrichd/internal/enrich"
	"github.com/enrichd/enrichd/internal/manager"
	"github.com/enrichd/enrichd/internal/metrics"
	"github.com/enrichd/enrichd/internal/perf"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) (*httptest.Server, *perf.Monitor) {
	t.Helper()
	monitor := perf.New(perf.Config{Enabled: true}, nil, zap.NewNop())
	mgr := manager.New(manager.Config{
		CheckpointPath: filepath.Join(t.TempDir(), "checkpoint.json"),
	}, nil, nil, nil, nil, zap.NewNop())

	ts := httptest.NewServer(newRouter(mgr, monitor, zap.NewNop()))
	t.Cleanup(ts.Close)
	return ts, monitor
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	status, body := get(t, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", string(body))
}

func TestStatsReturnsJSON(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	status, body := get(t, ts.URL+"/stats")
	require.Equal(t, http.StatusOK, status)

	var stats map[enrich.KindID]enrich.DriverState
	require.NoError(t, json.Unmarshal(body, &stats))
}

func TestPerfReturnsAggregates(t *testing.T) {
	t.Parallel()

	ts, monitor := newTestServer(t)

	token := monitor.Start("extract.checksum", map[string]string{"file_type": ".jpg"})
	time.Sleep(time.Millisecond)
	monitor.Stop(token, true, 512, "")

	status, body := get(t, ts.URL+"/perf")
	require.Equal(t, http.StatusOK, status)

	var payload struct {
		Operations map[string]perf.OpStats `json:"operations"`
		FileTypes  map[string]perf.OpStats `json:"file_types"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, int64(1), payload.Operations["extract.checksum"].Count)
	require.Equal(t, int64(1), payload.FileTypes[".jpg"].Count)
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	status, body := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, body)
}
