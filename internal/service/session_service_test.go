package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
)

func TestStartSessionSetsDeadlineFromStation(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, 1)

	if s.Status != model.SessionActive {
		t.Fatalf("expected ACTIVE, got %s", s.Status)
	}
	if got := s.Deadline.Sub(s.StartedAt); got != 8*time.Minute {
		t.Fatalf("expected 8m duration, got %v", got)
	}
	if s.Token == "" {
		t.Fatal("expected an opaque token")
	}
}

func TestStartSessionConflictsWhileActive(t *testing.T) {
	f := newFixture(t)
	f.start(t, 1)

	_, err := f.Lifecycle.StartSession(context.Background(), 1, "Candidate", f.Station.ID)
	if !errors.Is(err, util.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// 其他考生不受影响
	f.start(t, 2)
}

func TestStartSessionUnknownStation(t *testing.T) {
	f := newFixture(t)
	_, err := f.Lifecycle.StartSession(context.Background(), 1, "Candidate", 999)
	if !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStartSessionExpiresOverdueSession(t *testing.T) {
	f := newFixture(t)
	old := f.start(t, 1)

	f.Lifecycle.now = func() time.Time { return time.Now().Add(time.Hour) }
	s, err := f.Lifecycle.StartSession(context.Background(), 1, "Candidate", f.Station.ID)
	if err != nil {
		t.Fatalf("start after deadline: %v", err)
	}
	if s.Token == old.Token {
		t.Fatal("expected a new session")
	}

	prev, err := f.Sessions.FindByToken(old.Token)
	if err != nil {
		t.Fatal(err)
	}
	if prev.Status != model.SessionCompleted || prev.EndReason != model.EndReasonExpired {
		t.Fatalf("expected previous session expired, got %s/%s", prev.Status, prev.EndReason)
	}
	if f.Dispatcher.count() != 1 {
		t.Fatalf("expected one evaluation job, got %d", f.Dispatcher.count())
	}
}

func TestEndSessionTwice(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, 1)

	ended, err := f.Lifecycle.EndSession(context.Background(), s.Token, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != model.SessionCompleted || ended.EndedAt == nil {
		t.Fatalf("expected COMPLETED with end time, got %+v", ended)
	}
	if ended.EvaluationStatus != model.EvaluationQueued {
		t.Fatalf("expected queued evaluation, got %s", ended.EvaluationStatus)
	}

	stored, _ := f.Sessions.FindByToken(s.Token)
	firstEnd := *stored.EndedAt

	f.Lifecycle.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, err = f.Lifecycle.EndSession(context.Background(), s.Token, 1)
	if !errors.Is(err, util.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	stored, _ = f.Sessions.FindByToken(s.Token)
	if !stored.EndedAt.Equal(firstEnd) {
		t.Fatalf("end time changed from %v to %v", firstEnd, *stored.EndedAt)
	}
	if f.Dispatcher.count() != 1 {
		t.Fatalf("expected exactly one job, got %d", f.Dispatcher.count())
	}
	if n := len(f.Notifier.ofType(EventSessionEnded)); n != 1 {
		t.Fatalf("expected one SESSION_ENDED event, got %d", n)
	}
}

func TestEndSessionOfAnotherCandidate(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, 1)

	_, err := f.Lifecycle.EndSession(context.Background(), s.Token, 2)
	if !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = f.Lifecycle.EndSession(context.Background(), "missing", 1)
	if !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEndSessionSurvivesDispatchFailure(t *testing.T) {
	f := newFixture(t)
	f.Dispatcher.err = errors.New("queue unavailable")
	s := f.start(t, 1)

	ended, err := f.Lifecycle.EndSession(context.Background(), s.Token, 1)
	if err != nil {
		t.Fatalf("end must not fail on dispatch error: %v", err)
	}
	if ended.EvaluationStatus != model.EvaluationDispatchFailed {
		t.Fatalf("expected dispatch_failed, got %s", ended.EvaluationStatus)
	}

	stored, err := f.Lifecycle.GetSession(s.Token, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != model.SessionCompleted {
		t.Fatalf("expected COMPLETED, got %s", stored.Status)
	}
	if stored.EvaluationStatus != model.EvaluationDispatchFailed {
		t.Fatalf("expected stored dispatch_failed, got %s", stored.EvaluationStatus)
	}
}

func TestValidateTurn(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, 1)

	if _, err := f.Lifecycle.ValidateTurn(s.Token, 1); err != nil {
		t.Fatalf("active session rejected: %v", err)
	}

	cases := []struct {
		name   string
		token  string
		caller uint
		now    time.Time
	}{
		{"missing", "missing", 1, time.Now()},
		{"other candidate", s.Token, 2, time.Now()},
		{"past deadline", s.Token, 1, time.Now().Add(time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now := tc.now
			f.Lifecycle.now = func() time.Time { return now }
			defer func() { f.Lifecycle.now = time.Now }()

			if _, err := f.Lifecycle.ValidateTurn(tc.token, tc.caller); !errors.Is(err, util.ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState, got %v", err)
			}
		})
	}

	// 过期的会话被拒绝但不迁移状态
	stored, _ := f.Sessions.FindByToken(s.Token)
	if stored.Status != model.SessionActive {
		t.Fatalf("validate must not transition, got %s", stored.Status)
	}

	if _, err := f.Lifecycle.EndSession(context.Background(), s.Token, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Lifecycle.ValidateTurn(s.Token, 1); !errors.Is(err, util.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for completed session, got %v", err)
	}
}

func TestRecordFinding(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, 1)

	finding, err := f.Lifecycle.RecordFinding(s.Token, 1, "blood pressure")
	if err != nil {
		t.Fatal(err)
	}
	if finding.Value != "150/95" {
		t.Fatalf("unexpected finding %+v", finding)
	}

	if _, err := f.Lifecycle.RecordFinding(s.Token, 1, "  "); !errors.Is(err, util.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank name, got %v", err)
	}
	if _, err := f.Lifecycle.RecordFinding(s.Token, 1, "ECG"); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown finding, got %v", err)
	}

	stored, _ := f.Sessions.FindByToken(s.Token)
	findings, err := stored.SessionFindings()
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 || findings[0].Name != "Blood pressure" {
		t.Fatalf("unexpected findings %+v", findings)
	}

	if _, err := f.Lifecycle.EndSession(context.Background(), s.Token, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Lifecycle.RecordFinding(s.Token, 1, "blood pressure"); !errors.Is(err, util.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after end, got %v", err)
	}
}

func TestReadAccessIsScopedToCandidate(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, 1)

	if _, err := f.Lifecycle.Transcript(s.Token, 2, false); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.Lifecycle.Transcript(s.Token, 2, true); err != nil {
		t.Fatalf("admin read failed: %v", err)
	}
	if _, err := f.Lifecycle.Evaluation(s.Token, 1, false); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before evaluation, got %v", err)
	}
}
