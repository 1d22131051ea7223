package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/actuator/internal/actuator"
	"github.com/friendsincode/actuator/internal/auth"
	"github.com/friendsincode/actuator/internal/driver"
	"github.com/friendsincode/actuator/internal/events"
	"github.com/friendsincode/actuator/internal/lock"
	"github.com/friendsincode/actuator/internal/logbuffer"
	"github.com/friendsincode/actuator/internal/models"
	"github.com/friendsincode/actuator/internal/priority"
	"github.com/friendsincode/actuator/internal/scheduler"
	"github.com/friendsincode/actuator/internal/scheduler/state"
	"github.com/friendsincode/actuator/internal/scheduling"
)

const device1 = "campus/building/device1"

const testDevices = `
devices:
  - path: campus/building/device1
    points:
      - name: SampleWritableFloat1
        type: float
        writable: true
        default: 10.0
      - name: OutsideAirTemperature1
        type: float
        default: 50.0
`

var t0 = time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC)

type fakeLedger struct {
	records map[string][]models.TaskRecord
}

func (f *fakeLedger) History(_ context.Context, taskID string) ([]models.TaskRecord, error) {
	return f.records[taskID], nil
}

type standby struct{}

func (standby) IsLeader() bool { return false }

type fixture struct {
	router http.Handler
	bus    *events.Bus
	secret []byte
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	now := func() time.Time { return t0 }

	f, err := driver.Parse([]byte(testDevices))
	if err != nil {
		t.Fatalf("driver.Parse() error = %v", err)
	}
	registry := driver.NewRegistry(f, logger)
	bus := events.NewBus()
	store := state.NewStore()
	sched := scheduler.New(store, priority.NewResolver(logger), bus, scheduler.Config{
		AnnounceInterval: time.Minute,
		OutboxSize:       64,
		Now:              now,
	}, logger)
	t.Cleanup(sched.Close)

	svc := actuator.New(
		scheduling.NewValidator(time.UTC, logger),
		sched,
		lock.NewManager(store, now, logger),
		registry,
		actuator.NewEmitter(bus, sched, logger),
		bus,
		logger,
	)
	if opts.Devices == nil {
		opts.Devices = registry
	}

	r := chi.NewRouter()
	New(svc, bus, opts, logger).Routes(r)
	return &fixture{router: r, bus: bus, secret: opts.JWTSecret}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) token(t *testing.T, agent string, roles ...string) string {
	t.Helper()
	token, err := auth.Issue(f.secret, auth.Claims{AgentID: agent, Roles: roles}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func slot(from, to time.Duration) []any {
	return []any{device1, t0.Add(from).Format(scheduling.AnnounceLayout), t0.Add(to).Format(scheduling.AnnounceLayout)}
}

func newSchedule(requester any, taskID string, priority string) map[string]any {
	return map[string]any{
		"requesterID": requester,
		"taskID":      taskID,
		"priority":    priority,
		"requests":    []any{slot(0, time.Hour)},
	}
}

func TestRoutes(t *testing.T) {
	f := newFixture(t, Options{})
	routes, ok := f.router.(chi.Routes)
	if !ok {
		t.Fatalf("router %T does not expose routes", f.router)
	}

	got := map[string]bool{}
	err := chi.Walk(routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if len(route) > 1 {
			route = strings.TrimSuffix(route, "/")
		}
		got[method+" "+route] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}

	want := []string{
		"GET /healthz",
		"POST /rpc/request_new_schedule",
		"POST /rpc/request_cancel_schedule",
		"POST /rpc/set_point",
		"POST /rpc/get_point",
		"POST /rpc/revert_point",
		"POST /rpc/revert_device",
		"GET /api/v1/schedule",
		"GET /api/v1/locks",
		"GET /api/v1/devices",
		"GET /api/v1/events",
		"GET /api/v1/logs",
		"DELETE /api/v1/tasks/{taskID}",
		"GET /api/v1/tasks/{taskID}/history",
	}
	for _, route := range want {
		if !got[route] {
			t.Errorf("route %q not registered", route)
		}
	}
	if len(got) != len(want) {
		t.Errorf("registered %d routes, want %d: %v", len(got), len(want), got)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})
	rr := f.do(t, http.MethodGet, "/healthz", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody[map[string]any](t, rr)
	if body["status"] != "ok" || body["ledger"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestScheduleRPCs(t *testing.T) {
	f := newFixture(t, Options{})

	rr := f.do(t, http.MethodPost, "/rpc/request_new_schedule", newSchedule("agent", "task1", "HIGH"), "")
	res := decodeBody[actuator.Result](t, rr)
	if rr.Code != http.StatusOK || res.Result != actuator.ResultSuccess {
		t.Fatalf("new schedule = %d %+v", rr.Code, res)
	}

	rr = f.do(t, http.MethodPost, "/rpc/request_new_schedule", newSchedule("agent", "task1", "HIGH"), "")
	res = decodeBody[actuator.Result](t, rr)
	if res.Result != actuator.ResultFailure || res.Info != "TASK_ID_ALREADY_EXISTS" {
		t.Fatalf("duplicate = %+v", res)
	}

	rr = f.do(t, http.MethodGet, "/api/v1/schedule", nil, "")
	tasks := decodeBody[[]taskView](t, rr)
	if len(tasks) != 1 || tasks[0].TaskID != "task1" || tasks[0].Priority != "HIGH" {
		t.Fatalf("schedule = %+v", tasks)
	}

	rr = f.do(t, http.MethodGet, "/api/v1/locks", nil, "")
	holders := decodeBody[[]holderView](t, rr)
	if len(holders) != 1 || holders[0].Device != device1 || holders[0].RequesterID != "agent" {
		t.Fatalf("locks = %+v", holders)
	}

	rr = f.do(t, http.MethodPost, "/rpc/request_cancel_schedule", map[string]any{"requesterID": "agent", "taskID": "task1"}, "")
	res = decodeBody[actuator.Result](t, rr)
	if res.Result != actuator.ResultSuccess {
		t.Fatalf("cancel = %+v", res)
	}
}

func TestNumericIdentifiersKeepTheirText(t *testing.T) {
	f := newFixture(t, Options{})

	rr := f.do(t, http.MethodPost, "/rpc/request_new_schedule", map[string]any{
		"requesterID": 12345678901234,
		"taskID":      7,
		"priority":    "LOW",
		"slots":       []any{slot(0, time.Hour)},
	}, "")
	if res := decodeBody[actuator.Result](t, rr); res.Result != actuator.ResultSuccess {
		t.Fatalf("result = %+v", res)
	}

	tasks := decodeBody[[]taskView](t, f.do(t, http.MethodGet, "/api/v1/schedule", nil, ""))
	if len(tasks) != 1 || tasks[0].RequesterID != "12345678901234" || tasks[0].TaskID != "7" {
		t.Fatalf("schedule = %+v", tasks)
	}
}

func TestPointRPCs(t *testing.T) {
	f := newFixture(t, Options{})
	target := device1 + "/SampleWritableFloat1"

	rr := f.do(t, http.MethodPost, "/rpc/set_point", map[string]any{"requesterID": "agent", "topic": target, "value": 12.5}, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("set without lock = %d", rr.Code)
	}
	if pe := decodeBody[actuator.PointError](t, rr); pe.Type != "LockError" {
		t.Fatalf("error = %+v", pe)
	}

	f.do(t, http.MethodPost, "/rpc/request_new_schedule", newSchedule("agent", "task1", "LOW"), "")

	rr = f.do(t, http.MethodPost, "/rpc/set_point", map[string]any{"requesterID": "agent", "topic": target, "value": 12.5}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("set = %d %s", rr.Code, rr.Body.String())
	}
	if v := decodeBody[valueResponse](t, rr); v.Value != 12.5 {
		t.Fatalf("set value = %v", v.Value)
	}

	rr = f.do(t, http.MethodPost, "/rpc/get_point", map[string]any{"topic": target}, "")
	if v := decodeBody[valueResponse](t, rr); rr.Code != http.StatusOK || v.Value != 12.5 {
		t.Fatalf("get = %d %v", rr.Code, v.Value)
	}

	tests := []struct {
		name   string
		path   string
		body   map[string]any
		status int
		kind   string
	}{
		{name: "read only", path: "/rpc/set_point", body: map[string]any{"requesterID": "agent", "topic": device1 + "/OutsideAirTemperature1", "value": 1}, status: http.StatusForbidden, kind: "IOError"},
		{name: "bad value", path: "/rpc/set_point", body: map[string]any{"requesterID": "agent", "topic": target, "value": "warm"}, status: http.StatusBadRequest, kind: "ValueError"},
		{name: "unknown point", path: "/rpc/get_point", body: map[string]any{"topic": device1 + "/Nope"}, status: http.StatusNotFound, kind: "DriverInterfaceError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, tt.path, tt.body, "")
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.status, rr.Body.String())
			}
			if pe := decodeBody[actuator.PointError](t, rr); pe.Type != tt.kind {
				t.Fatalf("type = %q, want %q", pe.Type, tt.kind)
			}
		})
	}

	rr = f.do(t, http.MethodPost, "/rpc/revert_point", map[string]any{"requesterID": "agent", "topic": target}, "")
	if v := decodeBody[valueResponse](t, rr); rr.Code != http.StatusOK || v.Value != 10.0 {
		t.Fatalf("revert point = %d %v", rr.Code, v.Value)
	}

	rr = f.do(t, http.MethodPost, "/rpc/revert_device", map[string]any{"requesterID": "agent", "device": device1}, "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("revert device = %d %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodGet, "/api/v1/devices", nil, "")
	devices := decodeBody[[]driver.DeviceInfo](t, rr)
	if len(devices) != 1 || devices[0].Path != device1 {
		t.Fatalf("devices = %+v", devices)
	}
}

func TestAuthOnRPC(t *testing.T) {
	f := newFixture(t, Options{JWTSecret: []byte("secret")})
	agent := f.token(t, "agent")

	if rr := f.do(t, http.MethodPost, "/rpc/request_new_schedule", newSchedule("agent", "t1", "HIGH"), ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rr.Code)
	}

	if rr := f.do(t, http.MethodPost, "/rpc/request_new_schedule", newSchedule("other", "t1", "HIGH"), agent); rr.Code != http.StatusForbidden {
		t.Fatalf("foreign requester = %d", rr.Code)
	}

	body := newSchedule(nil, "t1", "HIGH")
	delete(body, "requesterID")
	rr := f.do(t, http.MethodPost, "/rpc/request_new_schedule", body, agent)
	if res := decodeBody[actuator.Result](t, rr); res.Result != actuator.ResultSuccess {
		t.Fatalf("defaulted requester = %+v", res)
	}
	tasks := decodeBody[[]taskView](t, f.do(t, http.MethodGet, "/api/v1/schedule", nil, agent))
	if len(tasks) != 1 || tasks[0].RequesterID != "agent" {
		t.Fatalf("schedule = %+v", tasks)
	}
}

func TestTerminate(t *testing.T) {
	f := newFixture(t, Options{JWTSecret: []byte("secret")})
	agent := f.token(t, "agent")
	admin := f.token(t, "ops", auth.RoleAdmin)

	rr := f.do(t, http.MethodPost, "/rpc/request_new_schedule", newSchedule("agent", "t1", "LOW"), agent)
	if res := decodeBody[actuator.Result](t, rr); res.Result != actuator.ResultSuccess {
		t.Fatalf("new schedule = %+v", res)
	}

	if rr := f.do(t, http.MethodDelete, "/api/v1/tasks/t1", nil, agent); rr.Code != http.StatusForbidden {
		t.Fatalf("agent terminate = %d", rr.Code)
	}

	rr = f.do(t, http.MethodDelete, "/api/v1/tasks/t1", nil, admin)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin terminate = %d %s", rr.Code, rr.Body.String())
	}
	if task := decodeBody[taskView](t, rr); task.State != string(models.TaskCanceled) {
		t.Fatalf("terminated task = %+v", task)
	}

	if rr := f.do(t, http.MethodDelete, "/api/v1/tasks/t1", nil, admin); rr.Code != http.StatusNotFound {
		t.Fatalf("second terminate = %d", rr.Code)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t, Options{})
	if rr := f.do(t, http.MethodGet, "/api/v1/tasks/t1/history", nil, ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled ledger = %d", rr.Code)
	}

	ledger := &fakeLedger{records: map[string][]models.TaskRecord{
		"t1": {
			{ID: "a", TaskID: "t1", State: models.TaskPending, RecordedAt: t0},
			{ID: "b", TaskID: "t1", State: models.TaskCanceled, RecordedAt: t0.Add(time.Minute)},
		},
	}}
	f = newFixture(t, Options{Ledger: ledger})

	rr := f.do(t, http.MethodGet, "/api/v1/tasks/t1/history", nil, "")
	records := decodeBody[[]models.TaskRecord](t, rr)
	if rr.Code != http.StatusOK || len(records) != 2 || records[1].State != models.TaskCanceled {
		t.Fatalf("history = %d %+v", rr.Code, records)
	}

	if rr := f.do(t, http.MethodGet, "/api/v1/tasks/missing/history", nil, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown task = %d", rr.Code)
	}
}

func TestStandbyRefusesArbitration(t *testing.T) {
	f := newFixture(t, Options{Leader: standby{}})

	rr := f.do(t, http.MethodPost, "/rpc/request_new_schedule", newSchedule("agent", "t1", "HIGH"), "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("standby rpc = %d", rr.Code)
	}
	if body := decodeBody[map[string]any](t, f.do(t, http.MethodGet, "/healthz", nil, "")); body["leader"] != false {
		t.Fatalf("health = %v", body)
	}
	if rr := f.do(t, http.MethodGet, "/api/v1/schedule", nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("standby read = %d", rr.Code)
	}
}

func TestEventsWebSocket(t *testing.T) {
	f := newFixture(t, Options{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?prefix=" + events.TopicValue
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	// The subscription is registered after the upgrade; publish until it lands.
	var once sync.Once
	stop := make(chan struct{})
	defer once.Do(func() { close(stop) })
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.bus.Publish(events.Message{Topic: events.TopicError + "/x/y", Body: "ignored"})
				f.bus.Publish(events.Message{Topic: events.TopicValue + "/x/y", Body: 42.0})
			}
		}
	}()

	var msg events.Message
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	once.Do(func() { close(stop) })

	if msg.Topic != events.TopicValue+"/x/y" || msg.Body != 42.0 {
		t.Fatalf("message = %+v", msg)
	}
}

func TestLogs(t *testing.T) {
	f := newFixture(t, Options{})
	if rr := f.do(t, http.MethodGet, "/api/v1/logs", nil, ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("no buffer = %d", rr.Code)
	}

	buf := logbuffer.New(10)
	buf.Add(logbuffer.LogEntry{Level: "info", Component: "scheduler", Message: "task admitted", Fields: map[string]any{"task_id": "t1"}})
	buf.Add(logbuffer.LogEntry{Level: "warn", Component: "scheduler", Message: "task preempted", Fields: map[string]any{"task_id": "t2"}})
	f = newFixture(t, Options{Logs: buf, JWTSecret: []byte("secret")})

	if rr := f.do(t, http.MethodGet, "/api/v1/logs", nil, f.token(t, "agent")); rr.Code != http.StatusForbidden {
		t.Fatalf("agent logs = %d", rr.Code)
	}

	rr := f.do(t, http.MethodGet, "/api/v1/logs?task_id=t2", nil, f.token(t, "ops", auth.RoleAdmin))
	if rr.Code != http.StatusOK {
		t.Fatalf("admin logs = %d", rr.Code)
	}
	body := decodeBody[struct {
		Entries []logbuffer.LogEntry `json:"entries"`
	}](t, rr)
	if len(body.Entries) != 1 || body.Entries[0].Message != "task preempted" {
		t.Fatalf("entries = %+v", body.Entries)
	}

	if rr := f.do(t, http.MethodGet, "/api/v1/logs?limit=x", nil, f.token(t, "ops", auth.RoleAdmin)); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rr.Code)
	}
}
