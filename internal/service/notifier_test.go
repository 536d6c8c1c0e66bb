package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsboard/analyzer/internal/domain"
)

func TestSendDeliversTeamsCard(t *testing.T) {
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	n := NewNotifier(&NotifierConfig{
		Webhooks: map[string]string{"qa-team": srv.URL},
	}, testLogger())

	res, err := n.Send(context.Background(), "qa-team", "Weekly Summary", "all clear",
		[]string{"alice", "bob"}, true, "")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
	if res.Deduplicated {
		t.Error("fresh send marked deduplicated")
	}

	var card map[string]interface{}
	if err := json.Unmarshal([]byte(body.Load().(string)), &card); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if card["@type"] != "MessageCard" {
		t.Errorf("@type = %v, want MessageCard", card["@type"])
	}
	if card["title"] != "Weekly Summary" {
		t.Errorf("title = %v, want Weekly Summary", card["title"])
	}
	text, _ := card["text"].(string)
	if !strings.Contains(text, "<at>alice</at>") || !strings.Contains(text, "<at>bob</at>") {
		t.Errorf("text missing mentions: %q", text)
	}
}

func TestSendUnknownChannel(t *testing.T) {
	n := NewNotifier(&NotifierConfig{Webhooks: map[string]string{}}, testLogger())
	_, err := n.Send(context.Background(), "ghost", "t", "b", nil, false, "")
	var derr *domain.DispatchError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if derr.Channel != "ghost" {
		t.Errorf("channel = %s, want ghost", derr.Channel)
	}
}

func TestSendDedupSuppressesSecondDelivery(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	n := NewNotifier(&NotifierConfig{
		Webhooks: map[string]string{"qa-team": srv.URL},
	}, testLogger())
	ctx := context.Background()

	if _, err := n.Send(ctx, "qa-team", "t", "b", nil, false, "run-1"); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	res, err := n.Send(ctx, "qa-team", "t", "b", nil, false, "run-1")
	if err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	if !res.Deduplicated {
		t.Error("second send with same token not deduplicated")
	}
	if h := atomic.LoadInt32(&hits); h != 1 {
		t.Errorf("webhook hits = %d, want 1", h)
	}

	// A different token posts normally.
	if _, err := n.Send(ctx, "qa-team", "t", "b", nil, false, "run-2"); err != nil {
		t.Fatalf("third send failed: %v", err)
	}
	if h := atomic.LoadInt32(&hits); h != 2 {
		t.Errorf("webhook hits = %d, want 2", h)
	}
}

func TestSendRejectionClearsDedupToken(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	n := NewNotifier(&NotifierConfig{
		Webhooks: map[string]string{"qa-team": srv.URL},
	}, testLogger())
	ctx := context.Background()

	// An unambiguous rejection must not burn the token.
	if _, err := n.Send(ctx, "qa-team", "t", "b", nil, false, "run-1"); err == nil {
		t.Fatal("expected error from rejected delivery")
	}
	res, err := n.Send(ctx, "qa-team", "t", "b", nil, false, "run-1")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Deduplicated {
		t.Error("retry after rejection was suppressed")
	}
	if h := atomic.LoadInt32(&hits); h != 2 {
		t.Errorf("webhook hits = %d, want 2", h)
	}
}

func TestSendNetworkErrorKeepsDedupToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	url := srv.URL
	srv.Close() // connection refused from here on

	n := NewNotifier(&NotifierConfig{
		Webhooks: map[string]string{"qa-team": url},
		Timeout:  time.Second,
	}, testLogger())
	ctx := context.Background()

	if _, err := n.Send(ctx, "qa-team", "t", "b", nil, false, "run-1"); err == nil {
		t.Fatal("expected network error")
	}

	// The first attempt may have landed; a retry must be suppressed.
	res, err := n.Send(ctx, "qa-team", "t", "b", nil, false, "run-1")
	if err != nil {
		t.Fatalf("retry errored instead of suppressing: %v", err)
	}
	if !res.Deduplicated {
		t.Error("retry after ambiguous failure was not suppressed")
	}
}
