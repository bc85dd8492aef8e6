package alert

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendWithoutURLIsNoOp(t *testing.T) {
	n := NewNotifier("")
	if err := n.Send("title", "description", nil); err != nil {
		t.Errorf("Send() error: %v", err)
	}
}

func TestSendPostsEmbed(t *testing.T) {
	var got message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unmarshaling payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	err := n.Send("Monitor cycles failing", "details here", map[string]interface{}{
		"consecutive_failures": 5,
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if len(got.Embeds) != 1 {
		t.Fatalf("got %d embeds, want 1", len(got.Embeds))
	}
	e := got.Embeds[0]
	if e.Title != "Monitor cycles failing" || e.Description != "details here" {
		t.Errorf("embed = %+v", e)
	}
	if len(e.Fields) != 1 || e.Fields[0].Name != "consecutive_failures" || e.Fields[0].Value != "5" {
		t.Errorf("fields = %+v", e.Fields)
	}
}

func TestSendReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	if err := n.Send("title", "description", nil); err == nil {
		t.Error("Send() succeeded against a 400 response")
	}
}
