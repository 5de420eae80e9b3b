package leanix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeAPI implements the subset of the LeanIX API the exporter talks to.
// Job status responses are served from statusSeq; the last entry repeats.
type fakeAPI struct {
	t  *testing.T
	mu sync.Mutex

	tokensIssued int
	triggerCalls int
	statusSeq    []string
	statusCalls  int
	statusAuth   []string // Authorization header seen by each status call

	recordStatus  string
	listCalls     int
	downloadCode  int // 0 means 200
	downloadCalls int
	payload       []byte

	server *httptest.Server
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{
		t:            t,
		statusSeq:    []string{"IN_PROGRESS", "DONE"},
		recordStatus: "COMPLETED",
		payload:      []byte("snapshot archive bytes"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/services/mtm/v1/oauth2/token", f.handleToken)
	mux.HandleFunc("/services/pathfinder/v1/exports/fullExport", f.handleTrigger)
	mux.HandleFunc("/services/pathfinder/v1/jobs/job-1/status", f.handleStatus)
	mux.HandleFunc("/services/pathfinder/v1/exports", f.handleList)
	mux.HandleFunc("/services/pathfinder/v1/exports/downloads/ws-1", f.handleDownload)

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) handleToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokensIssued++
	n := f.tokensIssued
	f.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]string{"access_token": fmt.Sprintf("tok-%d", n)})
}

func (f *fakeAPI) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		f.t.Errorf("expected POST trigger, got %s", r.Method)
	}
	if got := r.URL.Query().Get("exportType"); got != "SNAPSHOT" {
		f.t.Errorf("expected exportType=SNAPSHOT, got %q", got)
	}
	f.mu.Lock()
	f.triggerCalls++
	f.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"jobId": "job-1"}})
}

func (f *fakeAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	i := f.statusCalls
	f.statusCalls++
	f.statusAuth = append(f.statusAuth, r.Header.Get("Authorization"))
	if i >= len(f.statusSeq) {
		i = len(f.statusSeq) - 1
	}
	status := f.statusSeq[i]
	f.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
		"status":      status,
		"workspaceId": "ws-1",
		"processed":   i + 1,
		"total":       len(f.statusSeq),
	}})
}

func (f *fakeAPI) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("exportType") != "SNAPSHOT" || q.Get("pageSize") != "1" ||
		q.Get("sorting") != "createdAt" || q.Get("sortDirection") != "DESC" {
		f.t.Errorf("unexpected listing params: %s", r.URL.RawQuery)
	}
	f.mu.Lock()
	f.listCalls++
	status := f.recordStatus
	f.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{
		{"status": status, "downloadKey": "key-1"},
	}})
}

func (f *fakeAPI) handleDownload(w http.ResponseWriter, r *http.Request) {
	if got := r.URL.Query().Get("key"); got != "key-1" {
		f.t.Errorf("expected key=key-1, got %q", got)
	}
	if got := r.Header.Get("Accept"); got != "application/octet-stream" {
		f.t.Errorf("expected octet-stream Accept header, got %q", got)
	}
	f.mu.Lock()
	f.downloadCalls++
	code := f.downloadCode
	f.mu.Unlock()

	if code != 0 {
		http.Error(w, "download error", code)
		return
	}
	w.Write(f.payload)
}

// newExportClient builds a client against the fake API with millisecond
// polling and a fixed clock.
func newExportClient(t *testing.T, f *fakeAPI, dir string) *Client {
	client, err := New(Options{
		Instance:       f.server.URL,
		APIToken:       "api-token",
		WorkspaceID:    "ws-1",
		PollInterval:   time.Millisecond,
		PollTimeout:    time.Second,
		ExportFilename: filepath.Join(dir, "export_{cdate}.xlsx"),
		SurveyFilename: filepath.Join(dir, "survey_{id}_{run}_{cdate}.xlsx"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.now = func() time.Time {
		return time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	}
	return client
}

func TestTakeSnapshot(t *testing.T) {
	dir := t.TempDir()
	f := newFakeAPI(t)
	f.statusSeq = []string{"IN_PROGRESS", "IN_PROGRESS", "DONE"}
	client := newExportClient(t, f, dir)

	result, err := client.TakeSnapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed outcome, got %s", result.Outcome)
	}
	if result.JobID != "job-1" || result.WorkspaceID != "ws-1" {
		t.Errorf("unexpected result identifiers: %+v", result)
	}

	wantFile := filepath.Join(dir, "export_2024-03-05.xlsx")
	if result.File != wantFile {
		t.Errorf("expected file %s, got %s", wantFile, result.File)
	}
	content, err := os.ReadFile(wantFile)
	if err != nil {
		t.Fatalf("snapshot file not written: %v", err)
	}
	if !bytes.Equal(content, f.payload) {
		t.Errorf("snapshot content mismatch: %q", content)
	}

	if f.statusCalls != 3 {
		t.Errorf("expected 3 status polls, got %d", f.statusCalls)
	}
	if f.listCalls != 1 {
		t.Errorf("expected exactly 1 export record lookup, got %d", f.listCalls)
	}
	if f.downloadCalls != 1 {
		t.Errorf("expected exactly 1 download, got %d", f.downloadCalls)
	}
}

func TestTakeSnapshotReauthenticatesBeforeEachPoll(t *testing.T) {
	dir := t.TempDir()
	f := newFakeAPI(t)
	f.statusSeq = []string{"IN_PROGRESS", "IN_PROGRESS", "DONE"}
	client := newExportClient(t, f, dir)

	if _, err := client.TakeSnapshot(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// No token existed before the run, so the n-th poll must carry the
	// n-th issued token.
	for i, auth := range f.statusAuth {
		want := fmt.Sprintf("Bearer tok-%d", i+1)
		if auth != want {
			t.Errorf("poll %d used %q, want %q", i+1, auth, want)
		}
	}
}

func TestTakeSnapshotTimeout(t *testing.T) {
	dir := t.TempDir()
	f := newFakeAPI(t)
	f.statusSeq = []string{"IN_PROGRESS"}
	client := newExportClient(t, f, dir)
	client.pollTimeout = 5 * time.Millisecond

	result, err := client.TakeSnapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeTimedOut {
		t.Fatalf("expected timed out outcome, got %s", result.Outcome)
	}
	if f.statusCalls != 5 {
		t.Errorf("expected 5 status polls before timeout, got %d", f.statusCalls)
	}
	if f.listCalls != 0 {
		t.Errorf("expected no export record lookup after timeout, got %d", f.listCalls)
	}
	if f.downloadCalls != 0 {
		t.Errorf("expected no download after timeout, got %d", f.downloadCalls)
	}
}

func TestTakeSnapshotRecordNotCompleted(t *testing.T) {
	dir := t.TempDir()
	f := newFakeAPI(t)
	f.recordStatus = "IN_PROGRESS"
	client := newExportClient(t, f, dir)

	result, err := client.TakeSnapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeNotCompleted {
		t.Fatalf("expected not completed outcome, got %s", result.Outcome)
	}
	if result.ExportStatus != "IN_PROGRESS" {
		t.Errorf("expected record status IN_PROGRESS, got %s", result.ExportStatus)
	}
	if f.downloadCalls != 0 {
		t.Errorf("expected no download for incomplete record, got %d", f.downloadCalls)
	}
}

func TestTakeSnapshotDownloadFailure(t *testing.T) {
	dir := t.TempDir()
	f := newFakeAPI(t)
	f.downloadCode = http.StatusInternalServerError
	client := newExportClient(t, f, dir)

	result, err := client.TakeSnapshot(context.Background())
	if err != nil {
		t.Fatalf("download failure must not be fatal, got: %v", err)
	}
	if result.Outcome != OutcomeDownloadFailed {
		t.Fatalf("expected download failed outcome, got %s", result.Outcome)
	}

	if _, statErr := os.Stat(filepath.Join(dir, "export_2024-03-05.xlsx")); !os.IsNotExist(statErr) {
		t.Errorf("no file should be written on download failure")
	}
}

func TestTakeSnapshotPollErrorIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/services/mtm/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
	})
	mux.HandleFunc("/services/pathfinder/v1/exports/fullExport", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"jobId": "job-1"}})
	})
	mux.HandleFunc("/services/pathfinder/v1/jobs/job-1/status", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := New(Options{
		Instance:     server.URL,
		APIToken:     "api-token",
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.TakeSnapshot(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError from status poll, got %v", err)
	}
}

func TestTakeSnapshotMissingJobID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{}})
	}))
	defer server.Close()

	client, err := New(Options{Instance: server.URL, APIToken: "api-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.TakeSnapshot(context.Background())
	if err == nil {
		t.Fatal("expected error for missing jobId")
	}
}

func TestTakeSnapshotIdempotent(t *testing.T) {
	dir := t.TempDir()
	f := newFakeAPI(t)
	client := newExportClient(t, f, dir)

	first, err := client.TakeSnapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := client.TakeSnapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same day, same template: both runs resolve to the same filename
	// and the file holds exactly the payload bytes.
	if first.File != second.File {
		t.Errorf("expected identical filenames, got %s and %s", first.File, second.File)
	}
	content, err := os.ReadFile(second.File)
	if err != nil {
		t.Fatalf("snapshot file not written: %v", err)
	}
	if !bytes.Equal(content, f.payload) {
		t.Errorf("snapshot content mismatch after second run: %q", content)
	}
	if f.downloadCalls != 2 {
		t.Errorf("expected 2 downloads, got %d", f.downloadCalls)
	}
}
