package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"nvrcore/config"
	"nvrcore/database"
	"nvrcore/recording"
	"nvrcore/session"
)

func newTestServer(t *testing.T) (*Server, database.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tempDir, err := os.MkdirTemp("", "nvrcore-api-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	store, err := database.NewSQLiteStore(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Config{RecordingDirectory: tempDir, StartDeadlineSecs: 5, StopDeadlineSecs: 5}
	controller := recording.NewController(store, cfg, nil)
	registry := session.NewRegistry(controller, cfg)

	return NewServer(cfg, registry, controller, store), store
}

func (s *Server) testEngine() *gin.Engine {
	r := gin.New()
	s.setupRoutes(r)
	return r
}

func doRequest(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s.testEngine(), http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %v", body)
	}
}

func TestDisconnectUnknownStreamReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s.testEngine(), http.MethodPost, "/api/v1/streams/does-not-exist/disconnect")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["error"]["code"] != "RESOURCE_NOT_FOUND" {
		t.Fatalf("expected RESOURCE_NOT_FOUND, got %v", body)
	}
}

func TestRecordingsListAndGetAndDelete(t *testing.T) {
	s, store := newTestServer(t)

	tempFile := filepath.Join(t.TempDir(), "rec-1.mp4")
	if err := os.WriteFile(tempFile, []byte("not really an mp4"), 0644); err != nil {
		t.Fatalf("failed to write fixture file: %v", err)
	}

	if err := store.Create(database.Recording{
		ID:        "rec-1",
		SessionID: "sess-1",
		FileName:  "rec-1.mp4",
		FilePath:  tempFile,
		StartTime: time.Now(),
		Status:    database.StatusCompleted,
	}); err != nil {
		t.Fatalf("failed to seed recording: %v", err)
	}

	engine := s.testEngine()

	listRec := doRequest(engine, http.MethodGet, "/api/v1/recordings")
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing recordings, got %d", listRec.Code)
	}
	var list []map[string]interface{}
	if err := json.Unmarshal(listRec.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 recording, got %d", len(list))
	}

	getRec := doRequest(engine, http.MethodGet, "/api/v1/recordings/rec-1")
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 getting recording, got %d", getRec.Code)
	}

	getMissing := doRequest(engine, http.MethodGet, "/api/v1/recordings/missing")
	if getMissing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing recording, got %d", getMissing.Code)
	}

	delRec := doRequest(engine, http.MethodDelete, "/api/v1/recordings/rec-1")
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 deleting recording, got %d", delRec.Code)
	}
	if _, err := os.Stat(tempFile); !os.IsNotExist(err) {
		t.Fatalf("expected underlying file to be removed on delete")
	}
}

func TestConnectRejectsMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/streams/connect", nil)
	rec := httptest.NewRecorder()
	s.testEngine().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing body, got %d", rec.Code)
	}
}
