package mech

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		if stage := r.URL.Query().Get("stage"); stage == "bogus" {
			http.Error(w, "unknown stage filter", http.StatusBadRequest)
			return
		}
		records := []Record{
			{RequestID: 1, ToolID: "echo", Stage: "completed", TxHash: "0xsim01"},
			{RequestID: 2, ToolID: "echo", Stage: "observed"},
		}
		if r.URL.Query().Get("limit") == "1" {
			records = records[:1]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"requests": records})
	})
	mux.HandleFunc("/api/v1/requests/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/requests/7" {
			http.Error(w, "record not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(Record{RequestID: 7, ToolID: "openai-gpt", Stage: "executing", Attempts: 2, MaxAttempts: 3})
	})
	mux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Stats{Total: 2, Completed: 1, Observed: 1})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	server := newTestServer(t)
	client, err := NewClient(server.URL, server.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClientHealth(t *testing.T) {
	client := newTestClient(t)
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
}

func TestClientListRequests(t *testing.T) {
	client := newTestClient(t)
	records, err := client.ListRequests(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].RequestID != 1 || records[0].TxHash != "0xsim01" {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
}

func TestClientListRequestsWithLimit(t *testing.T) {
	client := newTestClient(t)
	records, err := client.ListRequests(context.Background(), ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestClientListRequestsAPIError(t *testing.T) {
	client := newTestClient(t)
	_, err := client.ListRequests(context.Background(), ListOptions{Stages: []string{"bogus"}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", apiErr.StatusCode)
	}
}

func TestClientGetRequest(t *testing.T) {
	client := newTestClient(t)
	record, err := client.GetRequest(context.Background(), 7)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if record.RequestID != 7 || record.Stage != "executing" || record.Attempts != 2 {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestClientGetRequestNotFound(t *testing.T) {
	client := newTestClient(t)
	_, err := client.GetRequest(context.Background(), 404)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", apiErr.StatusCode)
	}
}

func TestClientGetStats(t *testing.T) {
	client := newTestClient(t)
	stats, err := client.GetStats(context.Background())
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.Total != 2 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestClientWaitForTerminal(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/requests/", func(w http.ResponseWriter, r *http.Request) {
		calls++
		stage := "executing"
		if calls >= 3 {
			stage = "completed"
		}
		_ = json.NewEncoder(w).Encode(Record{RequestID: 9, Stage: stage})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := NewClient(server.URL, server.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	record, err := client.WaitForTerminal(context.Background(), 9, time.Millisecond)
	if err != nil {
		t.Fatalf("wait for terminal: %v", err)
	}
	if record.Stage != "completed" {
		t.Fatalf("unexpected stage %q", record.Stage)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("http://bad url^", nil); err == nil {
		t.Fatal("expected error for invalid base url")
	}
}
