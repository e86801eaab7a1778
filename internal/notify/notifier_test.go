package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	amqp "github.com/rabbitmq/amqp091-go"

	"StrongNet-Agent/internal/dispatch"
	"StrongNet-Agent/pkg/logger"
)

func succeeded(t *testing.T) dispatch.Outcome {
	t.Helper()
	return dispatch.Outcome{
		Status:    dispatch.StatusSucceeded,
		Recipient: common.HexToAddress("0xBBB0000000000000000000000000000000000bbb"),
		Amount:    dispatch.MustParseAmount("0.0000001"),
		TxHash:    "0x" + strings.Repeat("ab", 32),
		Endpoint:  "primary",
		Attempts:  1,
	}
}

type recorder struct {
	mu      sync.Mutex
	results []error
	done    chan struct{}
}

func newRecorder(expected int) *recorder {
	return &recorder{done: make(chan struct{}, expected)}
}

func (r *recorder) hook(_ string, _ Event, err error) {
	r.mu.Lock()
	r.results = append(r.results, err)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []error {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i+1)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.results...)
}

func TestWebhookPayload(t *testing.T) {
	received := make(chan map[string]string, 1)
	var requestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		requestID = r.Header.Get("X-Request-ID")
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		received <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	rec := newRecorder(1)
	n := New("", []Sink{sink}, WithLogger(logger.Discard()), WithResultHook(rec.hook))

	if !n.Notify("cycle-1", succeeded(t)) {
		t.Fatalf("expected notification to be started")
	}
	if errs := rec.wait(t, 1); errs[0] != nil {
		t.Fatalf("delivery failed: %v", errs[0])
	}

	body := <-received
	if len(body) != 4 {
		t.Fatalf("expected exactly four fields, got %v", body)
	}
	if body["intent"] != "transfer" {
		t.Fatalf("unexpected intent %q", body["intent"])
	}
	if body["score"] != "0.0000001" {
		t.Fatalf("unexpected score %q", body["score"])
	}
	if !strings.EqualFold(body["recipient_address"], "0xBBB0000000000000000000000000000000000bbb") {
		t.Fatalf("unexpected recipient %q", body["recipient_address"])
	}
	if body["trx_hash"] == "" {
		t.Fatalf("expected transaction hash")
	}
	if requestID != "cycle-1" {
		t.Fatalf("unexpected request id %q", requestID)
	}
}

type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Name() string { return "blocking" }

func (b *blockingSink) Send(ctx context.Context, _ Event) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestNotifyDoesNotBlockCaller(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	n := New("transfer", []Sink{sink}, WithLogger(logger.Discard()))

	start := time.Now()
	n.Notify("cycle", succeeded(t))
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("notify blocked for %v", elapsed)
	}

	close(sink.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

type failingSink struct{ panics bool }

func (f failingSink) Name() string { return "failing" }

func (f failingSink) Send(context.Context, Event) error {
	if f.panics {
		panic("sink exploded")
	}
	return errors.New("listener down")
}

func TestFailuresAreObservedAndDiscarded(t *testing.T) {
	rec := newRecorder(2)
	n := New("transfer", []Sink{failingSink{}, failingSink{panics: true}},
		WithLogger(logger.Discard()), WithResultHook(rec.hook))

	n.Notify("cycle", succeeded(t))
	for _, err := range rec.wait(t, 2) {
		if err == nil {
			t.Fatalf("expected delivery error to be observed")
		}
	}
}

func TestNotifySkipsUnsuccessfulOutcomes(t *testing.T) {
	rec := newRecorder(1)
	n := New("transfer", []Sink{failingSink{}}, WithLogger(logger.Discard()), WithResultHook(rec.hook))

	outcome := succeeded(t)
	outcome.Status = dispatch.StatusExhausted
	if n.Notify("cycle", outcome) {
		t.Fatalf("expected exhausted outcome to be skipped")
	}
	if New("transfer", nil).Notify("cycle", succeeded(t)) {
		t.Fatalf("expected notifier without sinks to be a no-op")
	}
}

type capturePublisher struct {
	mu       sync.Mutex
	exchange string
	key      string
	msg      amqp.Publishing
}

func (c *capturePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchange, c.key, c.msg = exchange, key, msg
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func TestAMQPSinkPublishesPayload(t *testing.T) {
	pub := &capturePublisher{}
	sink := newAMQPSink(nil, pub, "strongnet.events", "")
	n := New("transfer", nil)

	if err := sink.Send(context.Background(), n.EventFor("cycle-9", succeeded(t))); err != nil {
		t.Fatalf("send: %v", err)
	}
	if pub.exchange != "strongnet.events" || pub.key != "dispatch.succeeded" {
		t.Fatalf("unexpected routing %s/%s", pub.exchange, pub.key)
	}
	if pub.msg.MessageId != "cycle-9" {
		t.Fatalf("unexpected message id %q", pub.msg.MessageId)
	}
	var payload Payload
	if err := json.Unmarshal(pub.msg.Body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Score != "0.0000001" || payload.Intent != "transfer" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestSinksListsActiveChannels(t *testing.T) {
	webhook, err := NewWebhookSink("http://127.0.0.1:1/hook", nil)
	if err != nil {
		t.Fatalf("new webhook sink: %v", err)
	}
	n := New("", []Sink{nil, webhook}, WithLogger(logger.Discard()))

	names := n.Sinks()
	if len(names) != 1 || names[0] != "webhook" {
		t.Fatalf("unexpected sinks %v", names)
	}
	if got := New("", nil).Sinks(); len(got) != 0 {
		t.Fatalf("expected no sinks, got %v", got)
	}
}
