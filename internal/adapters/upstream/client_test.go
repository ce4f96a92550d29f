package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"eca.monitor/internal/core/domain"
)

func TestFetchPassesCursor(t *testing.T) {
	var gotOffset, gotGroup string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOffset = r.URL.Query().Get("offset")
		gotGroup = r.URL.Query().Get("group")
		json.NewEncoder(w).Encode(map[string]any{
			"log": "TASK [Power up servers] ***\n", "text": "TASK [Power up servers] ***\n",
			"status": "running", "offset": 1234, "size": 1234,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	chunk, err := c.Fetch(context.Background(), "job-1", "grp-a", 200)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotOffset != "200" || gotGroup != "grp-a" {
		t.Errorf("query = offset=%s group=%s, want offset=200 group=grp-a", gotOffset, gotGroup)
	}
	if chunk.Offset != 1234 {
		t.Errorf("Offset = %d, want 1234", chunk.Offset)
	}
	if chunk.Status != domain.RunStatusRunning {
		t.Errorf("Status = %s, want running", chunk.Status)
	}
}

func TestFetchZeroOffsetOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("offset") {
			t.Errorf("offset param sent for a full-log fetch: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{"log": "x", "text": "x", "status": "running", "offset": 1, "size": 1})
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).Fetch(context.Background(), "job-1", "", 0); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
}

// "No run started yet." responses carry the note as the text body; that is
// status information, not log content.
func TestFetchNoteIsNotLogText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"note": "No run started yet.", "text": "No run started yet.",
			"status": "saved", "offset": 0, "size": 0,
		})
	}))
	defer srv.Close()

	chunk, err := NewClient(srv.URL).Fetch(context.Background(), "job-1", "", 0)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if chunk.Text != "" {
		t.Errorf("Text = %q, want empty for a note-only response", chunk.Text)
	}
	if chunk.Note == "" {
		t.Error("Note not carried through")
	}
}

func TestOverviewMultiGroup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"multiGroup": true,
			"status":     "running",
			"groups": map[string]any{
				"grp-a": map[string]any{"label": "Rack A", "status": "running", "logSize": 512, "hosts": "10.0.0.1"},
				"grp-b": map[string]any{"label": "Rack B", "status": "completed", "logSize": 2048, "hosts": "10.0.0.2"},
			},
		})
	}))
	defer srv.Close()

	chunk, err := NewClient(srv.URL).Overview(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Overview() error = %v", err)
	}
	if !chunk.MultiGroup || len(chunk.Groups) != 2 {
		t.Fatalf("MultiGroup = %v, groups = %d, want true/2", chunk.MultiGroup, len(chunk.Groups))
	}
	if chunk.Groups["grp-b"].Status != domain.GroupStatusCompleted {
		t.Errorf("grp-b status = %s, want completed", chunk.Groups["grp-b"].Status)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", 500, true},
		{"throttled", 429, true},
		{"not found", 404, false},
		{"bad request", 400, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL).Fetch(context.Background(), "job-1", "", 0)
			var he *domain.HTTPError
			if !errors.As(err, &he) {
				t.Fatalf("error = %v, want HTTPError", err)
			}
			if he.Status != tt.status {
				t.Errorf("Status = %d, want %d", he.Status, tt.status)
			}
			if domain.Retryable(err) != tt.retryable {
				t.Errorf("Retryable = %v, want %v", domain.Retryable(err), tt.retryable)
			}
		})
	}
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := NewClient(srv.URL).Fetch(context.Background(), "job-1", "", 0)
	var ne *domain.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("error = %v, want NetworkError", err)
	}
	if !domain.Retryable(err) {
		t.Error("network errors must be retryable")
	}
}
