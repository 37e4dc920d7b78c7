package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
	})
	sso := httptest.NewServer(mux)
	t.Cleanup(sso.Close)

	return New(srv.URL, sso.URL+"/token", "offline"), srv
}

func TestFetchCases(t *testing.T) {
	var gotAuth, gotQuery string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/cases" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("q")
		json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{
				"docs": []map[string]any{
					{"case_number": "01234567", "case_severity": "2 (High)", "case_account_name": "Acme"},
				},
			},
		})
	}))

	records, err := client.FetchCases(context.Background(), "case_tags:*edge*", []string{"case_number"}, 100)
	if err != nil {
		t.Fatalf("FetchCases: %v", err)
	}
	if len(records) != 1 || records[0].CaseNumber != "01234567" {
		t.Errorf("unexpected records: %+v", records)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotQuery != "(case_tags:*edge*)" {
		t.Errorf("query = %q, want parenthesized", gotQuery)
	}
}

func TestExpiredTokenRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	tokens := make(chan string, 2)
	tokens <- "stale"
	tokens <- "fresh"

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": <-tokens})
	})
	sso := httptest.NewServer(mux)
	t.Cleanup(sso.Close)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(DetailRecord{CritSit: true, GroupName: "edge"})
	}))
	t.Cleanup(srv.Close)

	client := New(srv.URL, sso.URL+"/token", "offline")
	detail, err := client.FetchCaseDetail(context.Background(), "01234567")
	if err != nil {
		t.Fatalf("FetchCaseDetail: %v", err)
	}
	if !detail.CritSit || detail.GroupName != "edge" {
		t.Errorf("unexpected detail: %+v", detail)
	}
	if calls.Load() != 2 {
		t.Errorf("request attempted %d times, want exactly 2 (one retry)", calls.Load())
	}
}

func TestAddCaseWatcher(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/cases/01234567/notifiedusers" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))

	if err := client.AddCaseWatcher(context.Background(), "01234567", "alice"); err != nil {
		t.Fatalf("AddCaseWatcher: %v", err)
	}
	users, ok := gotBody["user"].([]any)
	if !ok || len(users) != 1 {
		t.Fatalf("unexpected watcher payload: %v", gotBody)
	}
}

func TestServerErrorPropagates(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	if _, err := client.FetchCases(context.Background(), "q", nil, 10); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
