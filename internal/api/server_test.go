package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"StrongNet-Agent/internal/cycle"
	"StrongNet-Agent/internal/dispatch"
	"StrongNet-Agent/internal/trigger"
	"StrongNet-Agent/pkg/logger"
)

type stubEngine struct {
	report   cycle.Report
	err      error
	state    cycle.State
	last     *cycle.Report
	triggers []cycle.Trigger
	deadline bool
}

func (s *stubEngine) RunCycle(ctx context.Context, trigger cycle.Trigger) (cycle.Report, error) {
	s.triggers = append(s.triggers, trigger)
	_, s.deadline = ctx.Deadline()
	if s.err != nil {
		return cycle.Report{}, s.err
	}
	return s.report, nil
}

func (s *stubEngine) State() cycle.State { return s.state }

func (s *stubEngine) LastReport() (cycle.Report, bool) {
	if s.last == nil {
		return cycle.Report{}, false
	}
	return *s.last, true
}

func newTestServer(engine CycleService, opts ...Option) http.Handler {
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	return NewServer(":0", engine, opts...).Handler()
}

func TestHealth(t *testing.T) {
	handler := newTestServer(&stubEngine{})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if rr.Body.String() != "StrongNet-Agent is Alive." {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestRunCycleReturnsReport(t *testing.T) {
	recipient := common.HexToAddress("0xBBB0000000000000000000000000000000000bbb")
	engine := &stubEngine{report: cycle.Report{
		CycleID:   "cycle-1",
		Trigger:   cycle.TriggerManual,
		Recipient: recipient,
		Outcome: dispatch.Outcome{
			Status:    dispatch.StatusSucceeded,
			Recipient: recipient,
			TxHash:    "0xabc",
			Endpoint:  "primary",
		},
	}}
	handler := newTestServer(engine, WithTriggerTimeout(time.Second))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/cycles", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rr.Code, rr.Body.String())
	}

	var report cycle.Report
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.CycleID != "cycle-1" || report.Outcome.TxHash != "0xabc" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Recipient != recipient {
		t.Fatalf("unexpected recipient: %s", report.Recipient.Hex())
	}
	if len(engine.triggers) != 1 || engine.triggers[0] != cycle.TriggerManual {
		t.Fatalf("expected one manual trigger, got %v", engine.triggers)
	}
	if !engine.deadline {
		t.Fatalf("expected trigger deadline on cycle context")
	}
}

func TestRunCycleBusyReturnsConflict(t *testing.T) {
	handler := newTestServer(&stubEngine{err: cycle.ErrCycleBusy})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/cycles", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "CYCLE_BUSY") {
		t.Fatalf("expected busy code in body: %s", rr.Body.String())
	}
}

func TestRunCycleRejectsGet(t *testing.T) {
	handler := newTestServer(&stubEngine{})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/cycles", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
}

func TestAsyncTriggerPublishesRequest(t *testing.T) {
	queue := trigger.NewMemoryQueue(1)
	defer queue.Close()
	engine := &stubEngine{}
	handler := newTestServer(engine, WithQueue(queue))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cycles?async=true", nil)
	req.Header.Set("X-Trigger-Source", "ops")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rr.Code, rr.Body.String())
	}
	if len(engine.triggers) != 0 {
		t.Fatalf("async trigger must not run the cycle inline")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := make(chan trigger.Request, 1)
	go func() {
		_ = queue.Consume(ctx, func(_ context.Context, r trigger.Request) error {
			got <- r
			cancel()
			return nil
		})
	}()
	select {
	case r := <-got:
		if r.Source != "ops" || r.ID == "" {
			t.Fatalf("unexpected request: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("request was not published")
	}
}

func TestAsyncTriggerWithoutQueue(t *testing.T) {
	handler := newTestServer(&stubEngine{})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/cycles?async=1", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	last := cycle.Report{CycleID: "cycle-9", Outcome: dispatch.Outcome{Status: dispatch.StatusExhausted}}
	engine := &stubEngine{state: cycle.StateDispatching, last: &last}
	handler := newTestServer(engine, WithInfo(Info{
		Wallet:    wallet,
		Chain:     "bsc-testnet",
		Endpoints: []string{"primary", "backup"},
		Policy:    "receipt",
		Amount:    "0.0000001",
		Sinks:     []string{"webhook", "amqp"},
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if resp.Wallet != wallet || resp.State != cycle.StateDispatching {
		t.Fatalf("unexpected status payload: %+v", resp)
	}
	if resp.LastCycle == nil || resp.LastCycle.CycleID != "cycle-9" {
		t.Fatalf("expected last cycle in status: %+v", resp.LastCycle)
	}
	if len(resp.Endpoints) != 2 || resp.Endpoints[1] != "backup" {
		t.Fatalf("unexpected endpoints: %v", resp.Endpoints)
	}
	if !strings.Contains(rr.Body.String(), `"notify_sinks":["webhook","amqp"]`) {
		t.Fatalf("expected notify sinks in status: %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler := newTestServer(&stubEngine{})
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "strongnet_http_requests_total") {
		t.Fatalf("expected http request metric, got: %s", rr.Body.String())
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := withContext(ctx, newTestServer(&stubEngine{}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
}
