package tradesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientReconcile(t *testing.T) {
	var gotBody ReconcileRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/reconcile" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(ReconcileResult{
			Label:  "alpha",
			Posted: 1,
			Orders: []Order{{Action: "BUY", Quant: "100", Symbol: "XYZ", Market: "NYSE"}},
		})
	}))
	defer srv.Close()

	dry := true
	result, err := NewClient(srv.URL).Reconcile(context.Background(), ReconcileRequest{
		Label:  "alpha",
		DryRun: &dry,
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Posted != 1 || result.Orders[0].Symbol != "XYZ" {
		t.Errorf("result = %+v", result)
	}
	if gotBody.Label != "alpha" || gotBody.DryRun == nil || !*gotBody.DryRun {
		t.Errorf("request body = %+v", gotBody)
	}
}

func TestClientListRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("label"); got != "alpha" {
			t.Errorf("label = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q", got)
		}
		json.NewEncoder(w).Encode([]RunSummary{{ID: "run-1", Label: "alpha", Posted: 2}})
	}))
	defer srv.Close()

	runs, err := NewClient(srv.URL).ListRuns(context.Background(), "alpha", 5)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestClientErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid limit"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).ListRuns(context.Background(), "", 0)
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if got := err.Error(); !strings.Contains(got, "invalid limit") || !strings.Contains(got, "400") {
		t.Errorf("error = %q, want message and status", got)
	}
}
