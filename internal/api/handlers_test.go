package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/ridesweep/internal/engine"
	"github.com/kalambet/ridesweep/internal/storage"
)

type fakeReporter struct {
	report *engine.Report
}

func (f *fakeReporter) LastReport() *engine.Report { return f.report }

type fakeTrigger struct {
	triggered int
	next      time.Time
}

func (f *fakeTrigger) TriggerNow()         { f.triggered++ }
func (f *fakeTrigger) NextTick() time.Time { return f.next }

type fakeStore struct {
	decisions []storage.Decision
	cycles    []storage.Cycle
	deleted   []int64
	deleteErr error
}

func (f *fakeStore) ListDecisions(limit int, outcome storage.Outcome) ([]storage.Decision, error) {
	var out []storage.Decision
	for _, d := range f.decisions {
		if outcome != "" && d.Outcome != outcome {
			continue
		}
		out = append(out, d)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteDecision(indoorID int64) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, indoorID)
	return nil
}

func (f *fakeStore) CountDecisions() (map[storage.Outcome]int, error) {
	counts := make(map[storage.Outcome]int)
	for _, d := range f.decisions {
		counts[d.Outcome]++
	}
	return counts, nil
}

func (f *fakeStore) RecentCycles(limit int) ([]storage.Cycle, error) {
	if limit > len(f.cycles) {
		limit = len(f.cycles)
	}
	return f.cycles[:limit], nil
}

const testToken = "test-token"

func testServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Token == "" {
		deps.Token = testToken
	}
	if deps.Engine == nil {
		deps.Engine = &fakeReporter{}
	}
	if deps.Scheduler == nil {
		deps.Scheduler = &fakeTrigger{}
	}
	if deps.Store == nil {
		deps.Store = &fakeStore{}
	}
	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestHealthNoAuth(t *testing.T) {
	srv := testServer(t, Deps{Version: "1.2.3"})

	resp := doRequest(t, "GET", srv.URL+"/health", "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "1.2.3" {
		t.Errorf("body = %v", body)
	}
}

func TestProtectedEndpointsRejectBadToken(t *testing.T) {
	srv := testServer(t, Deps{})

	paths := []struct{ method, path string }{
		{"GET", "/status"},
		{"GET", "/cycles"},
		{"GET", "/decisions"},
		{"DELETE", "/decisions/1"},
		{"POST", "/run"},
	}
	for _, p := range paths {
		for _, token := range []string{"", "wrong"} {
			resp := doRequest(t, p.method, srv.URL+p.path, token)
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("%s %s with token %q: status = %d, want 401", p.method, p.path, token, resp.StatusCode)
			}
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	next := time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC)
	report := &engine.Report{ID: "c1", Fetched: 12, Matched: 3, Hidden: 3}
	srv := testServer(t, Deps{
		Engine:    &fakeReporter{report: report},
		Scheduler: &fakeTrigger{next: next},
		Store: &fakeStore{decisions: []storage.Decision{
			{IndoorID: 1, Outcome: storage.OutcomeHidden},
			{IndoorID: 2, Outcome: storage.OutcomeSkippedNoMatch},
		}},
	})

	resp := doRequest(t, "GET", srv.URL+"/status", testToken)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		NextTick  time.Time      `json:"next_tick"`
		Decisions map[string]int `json:"decisions"`
		LastCycle *engine.Report `json:"last_cycle"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !body.NextTick.Equal(next) {
		t.Errorf("next_tick = %v, want %v", body.NextTick, next)
	}
	if body.Decisions["hidden"] != 1 || body.Decisions["skipped_no_match"] != 1 {
		t.Errorf("decisions = %v", body.Decisions)
	}
	if body.LastCycle == nil || body.LastCycle.ID != "c1" {
		t.Errorf("last_cycle = %+v", body.LastCycle)
	}
}

func TestListDecisionsEndpoint(t *testing.T) {
	store := &fakeStore{decisions: []storage.Decision{
		{IndoorID: 1, VirtualID: 2, Outcome: storage.OutcomeHidden, Delta: 2 * time.Minute, DecidedAt: time.Now()},
		{IndoorID: 3, Outcome: storage.OutcomeError, Detail: "boom", DecidedAt: time.Now()},
	}}
	srv := testServer(t, Deps{Store: store})

	resp := doRequest(t, "GET", srv.URL+"/decisions?outcome=hidden", testToken)
	defer resp.Body.Close()

	var body []decisionJSON
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(body) != 1 {
		t.Fatalf("got %d decisions, want 1", len(body))
	}
	if body[0].IndoorID != 1 || body[0].Outcome != "hidden" || body[0].DeltaSec != 120 {
		t.Errorf("decision = %+v", body[0])
	}
}

func TestListDecisionsRejectsUnknownOutcome(t *testing.T) {
	srv := testServer(t, Deps{})

	resp := doRequest(t, "GET", srv.URL+"/decisions?outcome=vanished", testToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteDecisionEndpoint(t *testing.T) {
	store := &fakeStore{}
	srv := testServer(t, Deps{Store: store})

	resp := doRequest(t, "DELETE", srv.URL+"/decisions/42", testToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(store.deleted) != 1 || store.deleted[0] != 42 {
		t.Errorf("deleted = %v, want [42]", store.deleted)
	}
}

func TestDeleteDecisionNotFound(t *testing.T) {
	srv := testServer(t, Deps{Store: &fakeStore{deleteErr: storage.ErrNotFound}})

	resp := doRequest(t, "DELETE", srv.URL+"/decisions/42", testToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteDecisionBadID(t *testing.T) {
	srv := testServer(t, Deps{})

	resp := doRequest(t, "DELETE", srv.URL+"/decisions/abc", testToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRunEndpointTriggers(t *testing.T) {
	trigger := &fakeTrigger{}
	srv := testServer(t, Deps{Scheduler: trigger})

	resp := doRequest(t, "POST", srv.URL+"/run", testToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if trigger.triggered != 1 {
		t.Errorf("triggered = %d, want 1", trigger.triggered)
	}
}

func TestCyclesEndpoint(t *testing.T) {
	store := &fakeStore{cycles: []storage.Cycle{
		{ID: "c2", Fetched: 8},
		{ID: "c1", Fetched: 5},
	}}
	srv := testServer(t, Deps{Store: store})

	resp := doRequest(t, "GET", srv.URL+"/cycles?limit=1", testToken)
	defer resp.Body.Close()

	var body []storage.Cycle
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(body) != 1 || body[0].ID != "c2" {
		t.Errorf("cycles = %+v", body)
	}
}

func TestMetricsNoAuth(t *testing.T) {
	srv := testServer(t, Deps{})

	resp := doRequest(t, "GET", srv.URL+"/metrics", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
