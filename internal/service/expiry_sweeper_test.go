package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
)

func TestSweepOnceCompletesOverdueSessions(t *testing.T) {
	f := newFixture(t)
	overdue := f.start(t, 1)
	fresh := f.start(t, 2)

	if err := f.DB.Model(&model.Session{}).Where("id = ?", overdue.ID).
		Update("deadline", time.Now().Add(-time.Minute)).Error; err != nil {
		t.Fatal(err)
	}

	sweeper := NewExpirySweeper(f.Sessions, f.Lifecycle, time.Minute)
	n, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}

	got, _ := f.Sessions.FindByToken(overdue.Token)
	if got.Status != model.SessionCompleted || got.EndReason != model.EndReasonExpired {
		t.Fatalf("expected expired session, got %s/%s", got.Status, got.EndReason)
	}
	if got.EvaluationStatus != model.EvaluationQueued {
		t.Fatalf("expected queued evaluation, got %s", got.EvaluationStatus)
	}
	still, _ := f.Sessions.FindByToken(fresh.Token)
	if still.Status != model.SessionActive {
		t.Fatalf("fresh session must stay ACTIVE, got %s", still.Status)
	}

	ended := f.Notifier.ofType(EventSessionEnded)
	if len(ended) != 1 || ended[0].CandidateID != 1 {
		t.Fatalf("expected SESSION_ENDED for candidate 1, got %+v", ended)
	}
}

func TestConcurrentSweepsEnqueueOnce(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, 1)
	if err := f.DB.Model(&model.Session{}).Where("id = ?", s.ID).
		Update("deadline", time.Now().Add(-time.Minute)).Error; err != nil {
		t.Fatal(err)
	}

	sweeper := NewExpirySweeper(f.Sessions, f.Lifecycle, time.Minute)

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := sweeper.SweepOnce(context.Background())
			if err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1 {
		t.Fatalf("expected exactly one transition, got %d", total)
	}
	if f.Dispatcher.count() != 1 {
		t.Fatalf("expected exactly one job, got %d", f.Dispatcher.count())
	}
}

func TestSweepRacesExplicitEnd(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, 1)
	if err := f.DB.Model(&model.Session{}).Where("id = ?", s.ID).
		Update("deadline", time.Now().Add(-time.Minute)).Error; err != nil {
		t.Fatal(err)
	}

	sweeper := NewExpirySweeper(f.Sessions, f.Lifecycle, time.Minute)
	if _, err := f.Lifecycle.EndSession(context.Background(), s.Token, 1); err != nil {
		t.Fatal(err)
	}
	n, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || f.Dispatcher.count() != 1 {
		t.Fatalf("expected sweep to find nothing, got %d transitions and %d jobs", n, f.Dispatcher.count())
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sweeper := NewExpirySweeper(f.Sessions, f.Lifecycle, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweepTickSurvivesPanic(t *testing.T) {
	f := newFixture(t)
	sweeper := NewExpirySweeper(f.Sessions, f.Lifecycle, time.Minute)
	sweeper.now = func() time.Time { panic("clock unavailable") }

	sweeper.tick(context.Background())

	sweeper.now = time.Now
	if _, err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweeper unusable after a panicking tick: %v", err)
	}
}
