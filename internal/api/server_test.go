package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/dfsu-stream/core"
	"github.com/signalsfoundry/dfsu-stream/internal/codec"
	"github.com/signalsfoundry/dfsu-stream/internal/meshio"
	"github.com/signalsfoundry/dfsu-stream/internal/observability"
	"github.com/signalsfoundry/dfsu-stream/kb"
	"github.com/signalsfoundry/dfsu-stream/model"
)

// harbour is a quad and a triangle (three triangles drawn) with one item
// of two timesteps.
func harbour() *model.MeshSource {
	return &model.MeshSource{
		CRS:      core.WGS84,
		NodeIDs:  []int{1, 2, 3, 4, 5},
		X:        []float64{0, 1, 1, 0, 2},
		Y:        []float64{0, 0, 1, 1, 0.5},
		Z:        []float64{-1, -2, -3, -4, -5},
		Elements: []model.Element{{1, 2, 3, 4}, {2, 5, 3}},
		Items: []model.FieldItem{{
			Name:  "DO",
			Times: []float64{0, 3600},
			Steps: [][]float32{{0.123, model.DefaultDeleteValue}, {0, 14.56}},
		}},
		DeleteValue: model.DefaultDeleteValue,
	}
}

type fixture struct {
	srv     *Server
	ts      *httptest.Server
	loads   *atomic.Int32
	metrics *observability.ServerCollector
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	cat := kb.NewCatalog()
	if err := cat.Register(kb.Source{Name: "harbour", Path: "harbour.msh"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := cat.Register(kb.Source{Name: "broken", Path: "broken.msh"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	metrics, err := observability.NewServerCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewServerCollector: %v", err)
	}

	loads := new(atomic.Int32)
	opts := Options{
		Catalog: cat,
		Metrics: metrics,
		Field:   core.DefaultFieldOptions(),
		Loader: func(path string, _ meshio.Options) (*model.MeshSource, error) {
			loads.Add(1)
			if path == "broken.msh" {
				return nil, meshio.ErrFormat
			}
			return harbour(), nil
		},
		Projector: func(string) (core.Projector, error) { return core.IdentityProjector{}, nil },
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, ts: ts, loads: loads, metrics: metrics}
}

// get issues a request without transparent gzip handling so the raw
// payload and its Content-Encoding can be inspected.
func (f *fixture) get(t *testing.T, path string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestNewRequiresCatalog(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New without catalog succeeded")
	}
}

func TestVerticesBuffer(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.get(t, Prefix+"/vertices-buffer", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	for k, want := range map[string]string{
		"Content-Type":        "application/octet-stream",
		"Content-Encoding":    "gzip",
		"Content-Disposition": `attachment; filename="vertices-buffer.bin"`,
	} {
		if got := resp.Header.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	values, err := codec.DecodeFloat32s(body)
	if err != nil {
		t.Fatalf("DecodeFloat32s: %v", err)
	}
	if len(values) != 3*9 {
		t.Fatalf("got %d floats, want %d", len(values), 27)
	}
	// First vertex is node 1: x, y and depth.
	if values[0] != 0 || values[1] != 0 || values[2] != -1 {
		t.Errorf("first vertex = %v", values[:3])
	}
}

func TestTimestepBuffer(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.get(t, Prefix+"/timestep-buffer?itemNumber=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Disposition"); got != `attachment; filename="timestep-buffer-1-all.bin"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	values, err := codec.DecodeFloat32s(body)
	if err != nil {
		t.Fatalf("DecodeFloat32s: %v", err)
	}
	if len(values) != 2*3 {
		t.Fatalf("got %d values, want 6", len(values))
	}
	sentinels := 0
	for _, v := range values[:3] {
		if v == model.SentinelValue {
			sentinels++
		}
	}
	if sentinels != 1 {
		t.Errorf("timestep 0 = %v, want one sentinel", values[:3])
	}
}

func TestDfsInfo(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.get(t, Prefix+"/dfs-info?source=harbour", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var desc model.MeshDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if desc != (model.MeshDescriptor{TimeStepCount: 2, TriangleCount: 3}) {
		t.Fatalf("descriptor = %+v", desc)
	}
}

func TestTimestepLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Field.TimeStepCount = 1 })
	_, body := f.get(t, Prefix+"/dfs-info", nil)
	var desc model.MeshDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if desc.TimeStepCount != 1 {
		t.Fatalf("timeStepCount = %d, want 1", desc.TimeStepCount)
	}

	f = newFixture(t, func(o *Options) { o.Field.TimeStepCount = 5 })
	if resp, _ := f.get(t, Prefix+"/dfs-info", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for a limit above the stored count", resp.StatusCode)
	}
}

func TestErrorStatus(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		name string
		path string
		want int
	}{
		{"bad item", Prefix + "/timestep-buffer?itemNumber=zero", http.StatusBadRequest},
		{"negative item", Prefix + "/dfs-info?itemNumber=-1", http.StatusBadRequest},
		{"unknown item", Prefix + "/dfs-info?itemNumber=9", http.StatusNotFound},
		{"unknown source", Prefix + "/vertices-buffer?source=nowhere", http.StatusNotFound},
		{"unreadable mesh", Prefix + "/vertices-buffer?source=broken", http.StatusInternalServerError},
		{"bad interval", Prefix + "/frames?interval=soon", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.get(t, tc.path, nil)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tc.want, body)
			}
			var e map[string]string
			if err := json.Unmarshal(body, &e); err != nil || e["error"] == "" {
				t.Fatalf("error body = %s", body)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("%w: itemNumber", ErrBadRequest), http.StatusBadRequest},
		{kb.ErrSourceNotFound, http.StatusNotFound},
		{fmt.Errorf("source a: %w", model.ErrTimestepNotFound), http.StatusNotFound},
		{context.Canceled, http.StatusServiceUnavailable},
		{core.ErrProjection, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestRequestIDEcho(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.get(t, "/healthz", http.Header{"X-Request-Id": {"req-42"}})
	if got := resp.Header.Get("X-Request-Id"); got != "req-42" {
		t.Fatalf("X-Request-Id = %q, want req-42", got)
	}
	resp, _ = f.get(t, "/healthz", nil)
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("no request id generated")
	}
}

func TestSourcesAndHealth(t *testing.T) {
	f := newFixture(t, nil)
	_, body := f.get(t, Prefix+"/sources", nil)
	var sources []sourceInfo
	if err := json.Unmarshal(body, &sources); err != nil {
		t.Fatalf("decode sources: %v", err)
	}
	want := []sourceInfo{{Name: "broken"}, {Name: "harbour", Default: true}}
	if len(sources) != 2 || sources[0] != want[0] || sources[1] != want[1] {
		t.Fatalf("sources = %+v, want %+v", sources, want)
	}

	f.get(t, Prefix+"/vertices-buffer", nil)
	_, body = f.get(t, "/healthz", nil)
	var health struct {
		Status  string `json:"status"`
		Sources int    `json:"sources"`
		Cached  int    `json:"cached"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Sources != 2 || health.Cached != 1 {
		t.Fatalf("health = %+v", health)
	}
}

func TestConcurrentRequestsComputeOnce(t *testing.T) {
	f := newFixture(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(f.ts.URL + Prefix + "/vertices-buffer")
			if err != nil {
				t.Errorf("GET: %v", err)
				return
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()
	if n := f.loads.Load(); n != 1 {
		t.Fatalf("mesh loaded %d times, want 1", n)
	}
	requests := f.metrics.HTTPRequests.WithLabelValues("vertices-buffer", "GET", "200")
	eventually(t, "request counter reaches 8", func() bool { return testutil.ToFloat64(requests) == 8 })
}

func TestWarm(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.srv.Warm(t.Context(), ""); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if f.srv.cache.Len() != 3 {
		t.Fatalf("cache holds %d entries after warm-up, want 3", f.srv.cache.Len())
	}
	if err := f.srv.Warm(t.Context(), "broken"); !errors.Is(err, meshio.ErrFormat) {
		t.Fatalf("Warm(broken) = %v, want ErrFormat", err)
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestFrameStream(t *testing.T) {
	f := newFixture(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts, Prefix+"/frames?frames=3&interval=1ms"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for i, want := range []int{0, 1, 0} {
		var msg FrameMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if msg.Timestep != want || msg.TimeStepCount != 2 {
			t.Fatalf("frame %d = %+v, want timestep %d of 2", i, msg, want)
		}
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("after last frame: %v, want normal close", err)
	}

	eventually(t, "frame stream gauge returns to zero", func() bool {
		return testutil.ToFloat64(f.metrics.FrameStreams) == 0
	})
}

// eventually polls cond until it holds; metrics are recorded after the
// response has been flushed to the client.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFrameStreamSeekAndPause(t *testing.T) {
	f := newFixture(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts, Prefix+"/frames?interval=1h"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg FrameMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Timestep != 0 {
		t.Fatalf("first frame = %+v, %v", msg, err)
	}

	if err := conn.WriteJSON(ControlMessage{Action: "pause"}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := conn.WriteJSON(ControlMessage{Action: "seek", Timestep: 3}); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("seek frame: %v", err)
	}
	if msg.Timestep != 1 || !msg.Paused {
		t.Fatalf("seek frame = %+v, want paused timestep 1", msg)
	}
}

func TestFrameStreamRejectsBeforeUpgrade(t *testing.T) {
	f := newFixture(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts, Prefix+"/frames?source=nowhere"), nil)
	if err == nil {
		t.Fatal("Dial succeeded for an unknown source")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("response = %v, want 404", resp)
	}
}

func TestOriginChecker(t *testing.T) {
	if originChecker(nil) != nil {
		t.Fatal("empty allow list should defer to the same-origin check")
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	if !originChecker([]string{"*"})(req) {
		t.Error("wildcard rejected an origin")
	}
	check := originChecker([]string{"https://maps.example"})
	if check(req) {
		t.Error("unlisted origin accepted")
	}
	req.Header.Set("Origin", "https://maps.example")
	if !check(req) {
		t.Error("listed origin rejected")
	}
}
