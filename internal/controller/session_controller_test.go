package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
	"github.com/krishna9304/osce-central-serve-sub000/internal/repository"
	"github.com/krishna9304/osce-central-serve-sub000/internal/service"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
)

type echoProvider struct{}

func (echoProvider) ChatStream(ctx context.Context, model string, messages []service.AIChatMessage) (<-chan string, <-chan error) {
	out := make(chan string, 2)
	errs := make(chan error)
	out <- "H"
	out <- "i"
	close(out)
	close(errs)
	return out, errs
}

func (echoProvider) Complete(ctx context.Context, model string, messages []service.AIChatMessage) (string, error) {
	return "{}", nil
}

type nopDispatcher struct{}

func (nopDispatcher) EnqueueEvaluation(ctx context.Context, session *model.Session, candidate model.CandidateSnapshot, station *model.Station) error {
	return nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(&model.Station{}, &model.Session{}, &model.Turn{}, &model.Evaluation{}); err != nil {
		t.Fatal(err)
	}

	sessions := repository.NewSessionRepository(db)
	stations := repository.NewStationRepository(db)
	transcripts := repository.NewTranscriptRepository(db)
	evaluations := repository.NewEvaluationRepository(db)
	hub := service.NewConnectionHub(nil, "")
	locks := service.NewKeyedMutex()

	lifecycle := service.NewSessionService(sessions, stations, transcripts, evaluations, nopDispatcher{}, hub, locks, 10*time.Minute)
	relay := service.NewRelayService(lifecycle, stations, transcripts, echoProvider{}, hub, locks, time.Minute)

	sc := NewSessionController(lifecycle, relay)
	stc := NewStationController(stations)

	r := gin.New()
	api := r.Group("/api")
	api.Use(func(c *gin.Context) {
		role := util.Candidate
		if c.GetHeader("X-Test-Admin") != "" {
			role = util.Admin
		}
		c.Set("user", &util.Claims{UserID: 1, Name: "Alice", Role: role})
		c.Next()
	})
	api.POST("/sessions", sc.StartSession)
	api.GET("/sessions/active", sc.GetActive)
	api.GET("/sessions/:token", sc.GetSession)
	api.POST("/sessions/:token/end", sc.EndSession)
	api.POST("/sessions/:token/turns", sc.SubmitTurn)
	api.POST("/sessions/:token/findings", sc.RecordFinding)
	api.GET("/sessions/:token/transcript", sc.GetTranscript)
	api.POST("/admin/stations", stc.CreateStation)
	api.GET("/admin/stations", stc.ListStations)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}, admin bool) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-Test-Admin", "1")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestSessionEndpointsFlow(t *testing.T) {
	r := newTestRouter(t)

	w, _ := do(t, r, http.MethodPost, "/api/admin/stations", gin.H{
		"name":              "Chest pain",
		"patientPrompt":     "You are a patient.",
		"durationMinutes":   5,
		"clinicalChecklist": []gin.H{{"question": "Asks about onset", "marks": 2}},
	}, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("create station: %d %s", w.Code, w.Body.String())
	}

	w, resp := do(t, r, http.MethodPost, "/api/sessions", gin.H{"stationId": 1}, false)
	if w.Code != http.StatusCreated {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	token := resp["data"].(map[string]interface{})["sessionId"].(string)

	w, _ = do(t, r, http.MethodPost, "/api/sessions", gin.H{"stationId": 1}, false)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second start, got %d", w.Code)
	}

	w, _ = do(t, r, http.MethodPost, "/api/sessions/"+token+"/turns", gin.H{"text": "   "}, false)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank turn, got %d", w.Code)
	}
	w, _ = do(t, r, http.MethodPost, "/api/sessions/"+token+"/findings", gin.H{"name": " \t "}, false)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank finding, got %d", w.Code)
	}

	w, resp = do(t, r, http.MethodPost, "/api/sessions/"+token+"/turns", gin.H{"text": "Hello"}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("turn: %d %s", w.Code, w.Body.String())
	}
	if content := resp["data"].(map[string]interface{})["content"]; content != "Hi" {
		t.Fatalf("expected Hi, got %v", content)
	}

	w, resp = do(t, r, http.MethodGet, "/api/sessions/"+token+"/transcript", nil, false)
	if w.Code != http.StatusOK || len(resp["data"].([]interface{})) != 2 {
		t.Fatalf("transcript: %d %s", w.Code, w.Body.String())
	}

	w, _ = do(t, r, http.MethodPost, "/api/sessions/"+token+"/end", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("end: %d %s", w.Code, w.Body.String())
	}
	w, _ = do(t, r, http.MethodPost, "/api/sessions/"+token+"/end", nil, false)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second end, got %d", w.Code)
	}

	w, _ = do(t, r, http.MethodPost, "/api/sessions/"+token+"/turns", gin.H{"text": "late"}, false)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for late turn, got %d", w.Code)
	}

	w, _ = do(t, r, http.MethodGet, "/api/sessions/active", nil, false)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with no active session, got %d", w.Code)
	}
}

func TestStartSessionValidation(t *testing.T) {
	r := newTestRouter(t)

	w, _ := do(t, r, http.MethodPost, "/api/sessions", gin.H{}, false)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w, _ = do(t, r, http.MethodPost, "/api/sessions", gin.H{"stationId": 42}, false)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown station, got %d", w.Code)
	}
	w, _ = do(t, r, http.MethodPost, "/api/admin/stations", gin.H{
		"name":              "Bad",
		"patientPrompt":     "x",
		"clinicalChecklist": []gin.H{{"question": "q", "marks": 0}},
	}, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero marks, got %d", w.Code)
	}
}
