package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "FundRouter/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelWebhook}
	bad := &recordingNotifier{channel: ChannelWebhook, err: errors.New("boom")}
	d := NewFanout(ok, bad, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure, AgentID: "0x01", Round: 2})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(ok.events) != 1 || len(bad.events) != 1 {
		t.Fatalf("every notifier should receive the event, even on a shared channel")
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, FormatJSON, map[string]string{"X-Token": "secret"}, time.Second)
	event := Event{Code: xerrors.CodePublishFailure, AgentID: "0xabc", Round: 3, OccurredAt: time.Now()}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.AgentID != "0xabc" || got.Round != 3 {
		t.Fatalf("unexpected payload %+v", got)
	}

	n.Headers = nil
	if err := n.Notify(context.Background(), event); err == nil {
		t.Fatalf("expected non-2xx failure")
	}
}

func TestWebhookFormats(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
	}))
	defer srv.Close()

	event := Event{
		Code:     xerrors.CodeStorageFailure,
		Message:  "commit failed",
		Severity: xerrors.SeverityCritical,
		AgentID:  "0x0a",
		Round:    4,
		Metadata: map[string]string{"stage": "terminal"},
	}
	for _, raw := range []string{"slack", "DingTalk"} {
		format, err := ParseWebhookFormat(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if err := NewWebhookNotifier(srv.URL, format, nil, time.Second).Notify(context.Background(), event); err != nil {
			t.Fatalf("notify %s: %v", raw, err)
		}
	}
	if len(bodies) != 2 {
		t.Fatalf("expected two posts, got %d", len(bodies))
	}
	if text, _ := bodies[0]["text"].(string); !strings.Contains(text, "agent 0x0a round 4") || !strings.Contains(text, "- stage: terminal") {
		t.Fatalf("unexpected slack body %v", bodies[0])
	}
	if bodies[1]["msgtype"] != "markdown" {
		t.Fatalf("unexpected dingtalk body %v", bodies[1])
	}
	if _, err := ParseWebhookFormat("smtp"); err == nil {
		t.Fatalf("unknown format should be rejected")
	}
}
