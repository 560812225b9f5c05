package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Shavakan/runs-queue/pkg/aliveness"
	"github.com/Shavakan/runs-queue/pkg/balancing"
	"github.com/Shavakan/runs-queue/pkg/bucket"
	"github.com/Shavakan/runs-queue/pkg/events"
	"github.com/Shavakan/runs-queue/pkg/job"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	testingclock "k8s.io/utils/clock/testing"
)

type fixture struct {
	queue   *balancing.Queue
	alive   *aliveness.Tracker
	clock   *testingclock.FakeClock
	emitter *events.ValkeyEmitter
	mux     *http.ServeMux
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	emitter := events.NewValkeyEmitterWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", 0)
	t.Cleanup(func() { _ = emitter.Close() })

	clk := testingclock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	alive := aliveness.NewTracker(aliveness.Config{
		MaxSilence:   30 * time.Second,
		KnownWorkers: []bucket.WorkerID{"never-seen"},
	}, clk)
	q := balancing.New(balancing.Config{}, balancing.Deps{Aliveness: alive, Events: emitter, Clock: clk})

	mux := http.NewServeMux()
	NewHandler(q, alive, emitter, secret).RegisterRoutes(mux)
	return &fixture{queue: q, alive: alive, clock: clk, emitter: emitter, mux: mux}
}

func (f *fixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func testBucket(method string) bucket.Bucket {
	return bucket.New(
		bucket.IOSPayload{
			Entries: []bucket.TestEntry{{Name: bucket.TestName{ClassName: "CheckoutTests", MethodName: method}}},
			Artifacts: bucket.IOSBuildArtifacts{
				AppBundle:    "Shop.app",
				RunnerApp:    "ShopUITests-Runner.app",
				XCTestBundle: "ShopUITests.xctest",
			},
		},
		bucket.TestDestination{DeviceType: "iPhone 15", RuntimeVersion: "17.4"},
		bucket.ToolResources{Toolchain: "xcode-15.3"},
	)
}

func (f *fixture) schedule(t *testing.T, id job.ID, group job.GroupID, buckets ...bucket.Bucket) {
	t.Helper()
	j := job.Job{ID: id, Priority: job.PriorityDefault, NumberOfRetries: 0}
	g := job.Group{ID: group, Priority: job.PriorityDefault}
	if err := f.queue.Enqueue(context.Background(), j, g, buckets); err != nil {
		t.Fatalf("Enqueue(%s) error = %v", id, err)
	}
	f.clock.Step(time.Second)
}

func TestHandler_RequiresAuth(t *testing.T) {
	const secret = "admin-secret"
	f := newFixture(t, secret)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/jobs"},
		{http.MethodGet, "/api/jobs/job-1"},
		{http.MethodGet, "/api/jobs/job-1/results"},
		{http.MethodDelete, "/api/jobs/job-1"},
		{http.MethodGet, "/api/workers"},
		{http.MethodPost, "/api/workers/w1/disable"},
		{http.MethodPost, "/api/workers/w1/enable"},
		{http.MethodGet, "/api/events"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			if rec := f.do(t, p.method, p.path, ""); rec.Code != http.StatusUnauthorized {
				t.Errorf("without token: status = %d, want 401", rec.Code)
			}
			if rec := f.do(t, p.method, p.path, Token(secret)); rec.Code == http.StatusUnauthorized {
				t.Errorf("with token: status = 401")
			}
		})
	}
}

func TestHandler_Workers(t *testing.T) {
	f := newFixture(t, "")
	f.alive.RegisterWorker("w1")
	f.alive.RegisterWorker("w2")
	f.alive.RegisterWorker("w3")
	f.alive.DidDequeueBucket("w1", "bucket-1")
	f.clock.Step(20 * time.Second)
	f.alive.MarkAlive("w1")
	f.alive.MarkAlive("w2")
	f.clock.Step(15 * time.Second)

	if rec := f.do(t, http.MethodPost, "/api/workers/w2/disable", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("disable status = %d, want 204", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/workers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[struct {
		Workers []WorkerResponse `json:"workers"`
	}](t, rec)

	want := map[bucket.WorkerID]aliveness.Status{
		"never-seen": aliveness.StatusNotRegistered,
		"w1":         aliveness.StatusAlive,
		"w2":         aliveness.StatusDisabled,
		"w3":         aliveness.StatusSilent,
	}
	if len(body.Workers) != len(want) {
		t.Fatalf("workers = %+v, want %d entries", body.Workers, len(want))
	}
	for i, w := range body.Workers {
		if w.Status != want[w.WorkerID] {
			t.Errorf("%s status = %s, want %s", w.WorkerID, w.Status, want[w.WorkerID])
		}
		if i > 0 && body.Workers[i-1].WorkerID > w.WorkerID {
			t.Errorf("workers not sorted: %s before %s", body.Workers[i-1].WorkerID, w.WorkerID)
		}
		if w.WorkerID == "w1" && (len(w.BucketsInProcess) != 1 || w.BucketsInProcess[0] != "bucket-1") {
			t.Errorf("w1 buckets = %v, want [bucket-1]", w.BucketsInProcess)
		}
		if w.WorkerID == "never-seen" && w.LastHeartbeat != nil {
			t.Errorf("never-seen last heartbeat = %v, want none", w.LastHeartbeat)
		}
	}

	if rec := f.do(t, http.MethodPost, "/api/workers/w2/enable", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("enable status = %d, want 204", rec.Code)
	}
	if got := f.alive.Aliveness("w2").Status(); got != aliveness.StatusAlive {
		t.Errorf("w2 after enable = %s, want alive", got)
	}
}

func TestHandler_ListEvents(t *testing.T) {
	f := newFixture(t, "")
	f.schedule(t, "job-1", "nightly", testBucket("testPay"))
	if err := f.queue.Delete(context.Background(), "job-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[struct {
		Events []events.Event `json:"events"`
	}](t, rec)
	if len(body.Events) != 2 {
		t.Fatalf("events = %+v, want 2", body.Events)
	}
	if body.Events[0].Type != events.JobDeleted || body.Events[1].Type != events.JobScheduled {
		t.Errorf("event types = %s, %s, want newest first", body.Events[0].Type, body.Events[1].Type)
	}

	rec = f.do(t, http.MethodGet, "/api/events?count=1", "")
	body = decode[struct {
		Events []events.Event `json:"events"`
	}](t, rec)
	if len(body.Events) != 1 || body.Events[0].JobID != "job-1" {
		t.Errorf("count=1 events = %+v", body.Events)
	}
}

func TestHandler_ListEvents_BadCount(t *testing.T) {
	f := newFixture(t, "")
	for _, q := range []string{"0", "-3", "many", "5000"} {
		if rec := f.do(t, http.MethodGet, "/api/events?count="+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("count=%s status = %d, want 400", q, rec.Code)
		}
	}
}

type failingEvents struct{}

func (failingEvents) Latest(context.Context, int64) ([]events.Event, error) {
	return nil, errors.New("stream unavailable")
}

func TestHandler_ListEvents_Error(t *testing.T) {
	f := newFixture(t, "")
	mux := http.NewServeMux()
	NewHandler(f.queue, f.alive, failingEvents{}, "").RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.Details != "stream unavailable" {
		t.Errorf("details = %q", got.Details)
	}
}

func TestHandler_NilEventsServesEmptyFeed(t *testing.T) {
	f := newFixture(t, "")
	mux := http.NewServeMux()
	NewHandler(f.queue, f.alive, nil, "").RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "{\"events\":[]}\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}
