package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"axidraw-go/pkg/errors"
	"axidraw-go/pkg/geom"
	"axidraw-go/pkg/motion"
	"axidraw-go/pkg/supervisor"
)

// fakePlotter records control calls and returns canned results.
type fakePlotter struct {
	mu       sync.Mutex
	calls    []string
	plan     *motion.Plan
	plotErr  error
	jobID    string
	plotting bool
}

func (p *fakePlotter) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *fakePlotter) callList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *fakePlotter) Plot(plan *motion.Plan) (string, error) {
	p.record("plot")
	if p.plotErr != nil {
		return "", p.plotErr
	}
	p.mu.Lock()
	p.plan = plan
	p.plotting = true
	p.mu.Unlock()
	return p.jobID, nil
}

func (p *fakePlotter) Pause()  { p.record("pause") }
func (p *fakePlotter) Resume() { p.record("resume") }
func (p *fakePlotter) Cancel() { p.record("cancel") }

func (p *fakePlotter) Plotting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plotting
}

func (p *fakePlotter) CurrentPlan() (*motion.Plan, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.plotting {
		return nil, ""
	}
	return p.plan, p.jobID
}

func (p *fakePlotter) SetPenHeight(pos, rate int) error {
	p.record("setPenHeight")
	return nil
}

func (p *fakePlotter) Limp() error {
	p.record("limp")
	return nil
}

func newTestServer(t *testing.T, p *fakePlotter, bus *supervisor.Broadcaster) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{
		Plotter: p,
		Events:  bus,
		Device: DeviceInfo{
			Hardware:        "AxiDraw V3",
			Path:            "/dev/ttyACM0",
			FirmwareVersion: "2.6.2",
			StepsPerMM:      40,
		},
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func planBody(t *testing.T) []byte {
	t.Helper()
	plan := &motion.Plan{Motions: []motion.Motion{
		motion.NewXYMotion([]motion.Block{
			{Duration: 0.1, VInitial: 500, P1: geom.Vec2{}, P2: geom.Vec2{X: 50}},
		}),
		motion.PenMotion{InitialPos: 20000, FinalPos: 14000, Duration: 0.2},
	}}
	body, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}
	return body
}

func TestPlotAcceptsPlan(t *testing.T) {
	p := &fakePlotter{jobID: "job-1"}
	_, ts := newTestServer(t, p, nil)

	resp, err := http.Post(ts.URL+"/plot", "application/json", bytes.NewReader(planBody(t)))
	if err != nil {
		t.Fatalf("POST /plot: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["jobId"] != "job-1" {
		t.Errorf("jobId = %q", out["jobId"])
	}
	if p.plan == nil || len(p.plan.Motions) != 2 {
		t.Errorf("plotter got plan %v", p.plan)
	}
}

func TestPlotRejectsWhenBusy(t *testing.T) {
	p := &fakePlotter{plotErr: errors.PlotInProgressError()}
	_, ts := newTestServer(t, p, nil)

	resp, err := http.Post(ts.URL+"/plot", "application/json", bytes.NewReader(planBody(t)))
	if err != nil {
		t.Fatalf("POST /plot: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPlotRejectsMalformedBody(t *testing.T) {
	p := &fakePlotter{}
	_, ts := newTestServer(t, p, nil)

	resp, err := http.Post(ts.URL+"/plot", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST /plot: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if calls := p.callList(); len(calls) != 0 {
		t.Errorf("plotter called for malformed body: %v", calls)
	}
}

func TestControlEndpointsRequirePOST(t *testing.T) {
	p := &fakePlotter{}
	_, ts := newTestServer(t, p, nil)

	for _, path := range []string{"/plot", "/pause", "/resume", "/cancel"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("GET %s status = %d, want 405", path, resp.StatusCode)
		}
	}
	if calls := p.callList(); len(calls) != 0 {
		t.Errorf("plotter called on GET: %v", calls)
	}
}

func TestControlEndpoints(t *testing.T) {
	p := &fakePlotter{}
	_, ts := newTestServer(t, p, nil)

	for _, path := range []string{"/pause", "/resume", "/cancel"} {
		resp, err := http.Post(ts.URL+path, "", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("POST %s status = %d, want 200", path, resp.StatusCode)
		}
	}
	calls := p.callList()
	want := []string{"pause", "resume", "cancel"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	p := &fakePlotter{jobID: "job-7", plotting: true}
	_, ts := newTestServer(t, p, nil)

	resp, err := http.Get(ts.URL + "/plot/status")
	if err != nil {
		t.Fatalf("GET /plot/status: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Plotting bool   `json:"plotting"`
		JobID    string `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Plotting || out.JobID != "job-7" {
		t.Errorf("status = %+v", out)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	p := &fakePlotter{}
	_, ts := newTestServer(t, p, nil)

	resp, err := http.Get(ts.URL + "/debug/metrics")
	if err != nil {
		t.Fatalf("GET /debug/metrics: %v", err)
	}
	defer resp.Body.Close()
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if !strings.Contains(body.String(), "plotter_plots_total") {
		t.Errorf("metrics output missing plot counter:\n%s", body.String())
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) supervisor.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev supervisor.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestWebSocketHandshakeEvents(t *testing.T) {
	p := &fakePlotter{}
	_, ts := newTestServer(t, p, nil)
	conn := dialWS(t, ts)

	ev := readEvent(t, conn)
	if ev.C != "dev" {
		t.Fatalf("first event = %q, want dev", ev.C)
	}
	dev, ok := ev.P.(map[string]any)
	if !ok || dev["firmwareVersion"] != "2.6.2" || dev["stepsPerMm"] != float64(40) {
		t.Errorf("dev payload = %v", ev.P)
	}
	if ev := readEvent(t, conn); ev.C != "svgio-enabled" {
		t.Errorf("second event = %q, want svgio-enabled", ev.C)
	}
}

func TestWebSocketSendsActivePlan(t *testing.T) {
	p := &fakePlotter{jobID: "job-3", plotting: true}
	p.plan = &motion.Plan{Motions: []motion.Motion{
		motion.PenMotion{InitialPos: 20000, FinalPos: 14000, Duration: 0.2},
	}}
	_, ts := newTestServer(t, p, nil)
	conn := dialWS(t, ts)

	readEvent(t, conn) // dev
	readEvent(t, conn) // svgio-enabled
	if ev := readEvent(t, conn); ev.C != "plan" {
		t.Errorf("third event = %q, want plan", ev.C)
	}
}

func TestWebSocketPing(t *testing.T) {
	p := &fakePlotter{}
	_, ts := newTestServer(t, p, nil)
	conn := dialWS(t, ts)

	readEvent(t, conn) // dev
	readEvent(t, conn) // svgio-enabled

	if err := conn.WriteJSON(supervisor.Event{C: "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if ev := readEvent(t, conn); ev.C != "pong" {
		t.Errorf("reply = %q, want pong", ev.C)
	}
}

func TestWebSocketControls(t *testing.T) {
	p := &fakePlotter{}
	_, ts := newTestServer(t, p, nil)
	conn := dialWS(t, ts)

	readEvent(t, conn) // dev
	readEvent(t, conn) // svgio-enabled

	msgs := []map[string]any{
		{"c": "setPenHeight", "p": map[string]int{"height": 15000, "rate": 400}},
		{"c": "limp"},
	}
	for _, m := range msgs {
		if err := conn.WriteJSON(m); err != nil {
			t.Fatalf("write %v: %v", m, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		calls := p.callList()
		if len(calls) == 2 && calls[0] == "setPenHeight" && calls[1] == "limp" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("control calls = %v", p.callList())
}

func TestWebSocketBroadcast(t *testing.T) {
	p := &fakePlotter{}
	s, ts := newTestServer(t, p, nil)
	conn := dialWS(t, ts)

	readEvent(t, conn) // dev
	readEvent(t, conn) // svgio-enabled

	s.broadcast(supervisor.Event{C: supervisor.EventProgress, P: map[string]int{"motionIdx": 3}})
	ev := readEvent(t, conn)
	if ev.C != supervisor.EventProgress {
		t.Fatalf("event = %q, want progress", ev.C)
	}
}
