package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"barkd/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type barkStub struct {
	mu     sync.Mutex
	titles []string
	srv    *httptest.Server
}

func newBarkStub(t *testing.T) *barkStub {
	b := &barkStub{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		title, _ := body["title"].(string)
		b.titles = append(b.titles, title)
		b.mu.Unlock()
		_, _ = io.WriteString(w, `{"code":200,"message":"success","timestamp":1}`)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *barkStub) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.titles)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func writeConfig(t *testing.T, path string, port int, barkURL, password string) {
	t.Helper()
	body := fmt.Sprintf(`
server:
  host: 127.0.0.1
  port: %d
auth:
  password: %q
bark:
  url: %s
  device_key: testdevicekey1234
logging:
  level: error
storage:
  driver: file
  path: %s
`, port, password, barkURL, filepath.Join(filepath.Dir(path), "audit"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func startApp(t *testing.T, password string) (*App, *barkStub, string) {
	t.Helper()
	stub := newBarkStub(t)
	path := filepath.Join(t.TempDir(), "barkd.yaml")
	writeConfig(t, path, freePort(t), stub.srv.URL, password)

	cfgm := config.NewConfigManager(path)
	cfgm.SetEnvLookup(nil)
	_, err := cfgm.Load()
	require.NoError(t, err)

	a, err := New(cfgm)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, stub, path
}

func call(t *testing.T, method, url string, body any, token string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestAppEndToEnd(t *testing.T) {
	a, stub, _ := startApp(t, "pw")
	base := "http://" + a.Addr()

	code, _ := call(t, http.MethodPost, base+"/notify", map[string]any{"title": "now", "body": "b"}, "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, out := call(t, http.MethodPost, base+"/notify", map[string]any{"title": "now", "body": "b"}, "pw")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, out["success"], out)
	assert.Equal(t, 1, stub.count())

	code, out = call(t, http.MethodPost, base+"/schedule/cron",
		map[string]any{"title": "tick", "body": "b", "cron": "* * * * * *", "max_count": 2}, "pw")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, out["success"], out)
	id := out["data"].(map[string]any)["job_id"].(string)

	require.Eventually(t, func() bool { return stub.count() == 3 }, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		c, _ := call(t, http.MethodGet, base+"/jobs/"+id, nil, "pw")
		return c == http.StatusNotFound
	}, 3*time.Second, 50*time.Millisecond)

	code, out = call(t, http.MethodGet, base+"/deliveries?limit=10", nil, "pw")
	require.Equal(t, http.StatusOK, code)
	list, ok := out["data"].([]any)
	require.True(t, ok)
	assert.Len(t, list, 3)
}

func TestAppHotReloadPassword(t *testing.T) {
	a, stub, path := startApp(t, "old")
	base := "http://" + a.Addr()

	code, _ := call(t, http.MethodGet, base+"/jobs", nil, "old")
	require.Equal(t, http.StatusOK, code)

	// Give the watcher time to register before rewriting.
	time.Sleep(200 * time.Millisecond)
	cfg := a.cfgm.Get()
	writeConfig(t, path, cfg.Server.Port, stub.srv.URL, "new")

	require.Eventually(t, func() bool {
		c, _ := call(t, http.MethodGet, base+"/jobs", nil, "new")
		return c == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)
	code, _ = call(t, http.MethodGet, base+"/jobs", nil, "old")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	stub := newBarkStub(t)
	path := filepath.Join(t.TempDir(), "barkd.yaml")
	writeConfig(t, path, ln.Addr().(*net.TCPAddr).Port, stub.srv.URL, "")
	cfgm := config.NewConfigManager(path)
	cfgm.SetEnvLookup(nil)
	_, err = cfgm.Load()
	require.NoError(t, err)

	a, err := New(cfgm)
	require.NoError(t, err)
	require.Error(t, a.Start(context.Background()))
	require.NoError(t, a.store.Close())
}

func TestMapNotifierConfig(t *testing.T) {
	nc := mapNotifierConfig(&config.Config{})
	assert.Equal(t, defaultRetryMax, nc.RetryMax)

	zero := 0
	nc = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{RetryMax: &zero, RetryBase: config.Duration(time.Second)}})
	assert.Equal(t, 0, nc.RetryMax)
	assert.Equal(t, time.Second, nc.RetryBase)
}

func TestAppDiagnosticsAndPprofReload(t *testing.T) {
	a, _, _ := startApp(t, "pw")
	base := "http://" + a.Addr()

	code, out := call(t, http.MethodGet, base+"/scheduler", nil, "pw")
	require.Equal(t, http.StatusOK, code)
	data := out["data"].(map[string]any)
	assert.EqualValues(t, 4, data["engine"].(map[string]any)["workers"])
	assert.Equal(t, true, data["scheduler"].(map[string]any)["running"])
	assert.EqualValues(t, 0, data["jobs"])

	code, _ = call(t, http.MethodGet, base+"/debug/pprof/", nil, "pw")
	assert.Equal(t, http.StatusNotFound, code)

	next := *a.cfgm.Get()
	next.Debug.Pprof = true
	a.applyConfig(a.cfgm.Get(), &next)

	req, err := http.NewRequest(http.MethodGet, base+"/debug/pprof/cmdline", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer pw")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMapStorageConfig(t *testing.T) {
	_, enabled, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, enabled)

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}})
	require.Error(t, err)
}
