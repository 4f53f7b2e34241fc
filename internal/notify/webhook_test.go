package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmeshcher/auctionhouse/internal/model"
)

func testEvent() model.Event {
	amount := int64(1100)
	return model.Event{
		Type:      model.EventBidOutbid,
		SessionID: 3,
		ItemID:    7,
		UserID:    42,
		Amount:    &amount,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookPublish_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content type = %s, want application/json", ct)
		}

		var got model.Event
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Type != model.EventBidOutbid || got.ItemID != 7 || got.UserID != 42 {
			t.Fatalf("unexpected event: %+v", got)
		}
		if got.Amount == nil || *got.Amount != 1100 {
			t.Fatalf("unexpected amount: %v", got.Amount)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	n := NewWebhookNotifier(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := n.Publish(ctx, testEvent()); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
}

func TestWebhookPublish_RetriesAfterTooManyRequests(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	n := NewWebhookNotifier(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := n.Publish(ctx, testEvent()); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestWebhookPublish_StillLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	n := NewWebhookNotifier(ts.URL)

	err := n.Publish(context.Background(), testEvent())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestWebhookPublish_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	n := NewWebhookNotifier(ts.URL)

	if err := n.Publish(context.Background(), testEvent()); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestNewWebhookNotifier_AddsScheme(t *testing.T) {
	n := NewWebhookNotifier("localhost:9000/hooks/")
	if n.url != "http://localhost:9000/hooks" {
		t.Fatalf("url = %s", n.url)
	}
}
