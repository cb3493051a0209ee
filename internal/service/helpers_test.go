package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
	"github.com/krishna9304/osce-central-serve-sub000/internal/repository"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&model.Station{}, &model.Session{}, &model.Turn{}, &model.Evaluation{}); err != nil {
		t.Fatal(err)
	}
	return db
}

type recordedEvent struct {
	CandidateID uint
	Msg         WSMessage
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Notify(candidateID uint, msg WSMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{CandidateID: candidateID, Msg: msg})
}

func (n *recordingNotifier) ofType(typ string) []recordedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []recordedEvent
	for _, e := range n.events {
		if e.Msg.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeDispatcher struct {
	mu   sync.Mutex
	err  error
	jobs []uint
}

func (d *fakeDispatcher) EnqueueEvaluation(ctx context.Context, session *model.Session, candidate model.CandidateSnapshot, station *model.Station) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, session.ID)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// fakeProvider 流式返回预设分片；Complete 依次返回 replies 中的内容
type fakeProvider struct {
	mu        sync.Mutex
	chunks    []string
	streamErr error
	delay     time.Duration
	replies   []string
	failWith  error
	calls     int
	streaming int
	maxStream int
}

func (p *fakeProvider) ChatStream(ctx context.Context, model string, messages []AIChatMessage) (<-chan string, <-chan error) {
	out := make(chan string)
	errs := make(chan error, 1)

	p.mu.Lock()
	p.streaming++
	if p.streaming > p.maxStream {
		p.maxStream = p.streaming
	}
	p.mu.Unlock()

	go func() {
		defer close(errs)
		defer close(out)
		defer func() {
			p.mu.Lock()
			p.streaming--
			p.mu.Unlock()
		}()
		for _, c := range p.chunks {
			if p.delay > 0 {
				time.Sleep(p.delay)
			}
			out <- c
		}
		if p.streamErr != nil {
			errs <- p.streamErr
		}
	}()
	return out, errs
}

func (p *fakeProvider) Complete(ctx context.Context, model string, messages []AIChatMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failWith != nil {
		return "", p.failWith
	}
	if len(p.replies) == 0 {
		return "", errors.New("no reply configured")
	}
	reply := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	return reply, nil
}

type memoryReports struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (m *memoryReports) PutBytes(ctx context.Context, filename string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = make(map[string][]byte)
	}
	m.files[filename] = data
	return "/uploads/" + filename, nil
}

func jsonColumn(t *testing.T, v interface{}) datatypes.JSON {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

type fixture struct {
	DB          *gorm.DB
	Sessions    *repository.SessionRepository
	Stations    *repository.StationRepository
	Transcripts *repository.TranscriptRepository
	Evaluations *repository.EvaluationRepository
	Dispatcher  *fakeDispatcher
	Notifier    *recordingNotifier
	Provider    *fakeProvider
	Lifecycle   *SessionService
	Relay       *RelayService
	Station     *model.Station
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	f := &fixture{
		DB:          db,
		Sessions:    repository.NewSessionRepository(db),
		Stations:    repository.NewStationRepository(db),
		Transcripts: repository.NewTranscriptRepository(db),
		Evaluations: repository.NewEvaluationRepository(db),
		Dispatcher:  &fakeDispatcher{},
		Notifier:    &recordingNotifier{},
		Provider:    &fakeProvider{},
	}

	f.Station = &model.Station{
		Name:            "Chest pain",
		PatientPrompt:   "You are a 54 year old man with chest pain.",
		DurationMinutes: 8,
		ClinicalChecklist: jsonColumn(t, []model.ChecklistItem{
			{Question: "Asks about onset", Marks: 2},
			{Question: "Asks about radiation", Marks: 1},
		}),
		Rubric: jsonColumn(t, []model.RubricCategory{
			{Name: "Rapport", Bands: [5]string{"poor", "weak", "adequate", "good", "excellent"}},
		}),
		Findings: jsonColumn(t, []model.StationFinding{
			{Name: "Blood pressure", Value: "150/95"},
		}),
	}
	if err := f.Stations.Create(f.Station); err != nil {
		t.Fatal(err)
	}

	locks := NewKeyedMutex()
	f.Lifecycle = NewSessionService(f.Sessions, f.Stations, f.Transcripts, f.Evaluations, f.Dispatcher, f.Notifier, locks, 10*time.Minute)
	f.Relay = NewRelayService(f.Lifecycle, f.Stations, f.Transcripts, f.Provider, f.Notifier, locks, time.Minute)
	return f
}

func (f *fixture) start(t *testing.T, candidateID uint) *model.Session {
	t.Helper()
	s, err := f.Lifecycle.StartSession(context.Background(), candidateID, "Candidate", f.Station.ID)
	if err != nil {
		t.Fatal(err)
	}
	return s
}
