package eligibility

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pithecene-io/cairn/iox"
)

func TestAllowAll(t *testing.T) {
	ok, err := AllowAll{}.Eligible(t.Context(), "anyone", nil)
	if !ok || err != nil {
		t.Errorf("Eligible = %v, %v", ok, err)
	}
}

func TestAllowlist(t *testing.T) {
	a := NewAllowlist("AB01", " cd02 ", "")

	tests := []struct {
		writer string
		want   bool
	}{
		{"ab01", true},
		{"cd02", true},
		{"ef03", false},
		{"", false},
	}
	for _, tt := range tests {
		got, err := a.Eligible(t.Context(), tt.writer, nil)
		if err != nil {
			t.Fatalf("Eligible(%q): %v", tt.writer, err)
		}
		if got != tt.want {
			t.Errorf("Eligible(%q) = %v, want %v", tt.writer, got, tt.want)
		}
	}

	a.Remove("ab01")
	if ok, _ := a.Eligible(t.Context(), "ab01", nil); ok {
		t.Error("removed writer still eligible")
	}
}

func TestWebhook_Decisions(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		want    bool
		wantErr bool
	}{
		{"eligible", http.StatusOK, true, false},
		{"forbidden", http.StatusForbidden, false, false},
		{"unknown writer", http.StatusNotFound, false, false},
		{"server error", http.StatusInternalServerError, false, true},
		{"throttled", http.StatusTooManyRequests, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got query
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(body, &got)
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			o, err := NewWebhook(WebhookConfig{URL: ts.URL})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			defer iox.DiscardClose(o)

			ok, err := o.Eligible(t.Context(), "ab01", json.RawMessage(`{"amount":3}`))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.want {
				t.Errorf("eligible = %v, want %v", ok, tt.want)
			}
			if got.Writer != "ab01" || string(got.Payload) != `{"amount":3}` {
				t.Errorf("query = %+v", got)
			}
			if tt.wantErr {
				var se *StatusError
				if !errors.As(err, &se) || se.Code != tt.status {
					t.Errorf("err = %v, want StatusError{%d}", err, tt.status)
				}
			}
		})
	}
}

func TestWebhook_TimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	defer close(release)

	o, _ := NewWebhook(WebhookConfig{URL: ts.URL, Timeout: 20 * time.Millisecond})
	ok, err := o.Eligible(t.Context(), "ab01", nil)
	if ok || err == nil {
		t.Errorf("Eligible = %v, %v; want false with error", ok, err)
	}
}

func TestNewWebhook_RequiresURL(t *testing.T) {
	if _, err := NewWebhook(WebhookConfig{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
}
