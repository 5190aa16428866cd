package ledger

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/park285/quiz-buzzer/internal/coordinator"
)

func TestOpenRequiresURL(t *testing.T) {
	if _, err := Open("  "); !errors.Is(err, ErrDatabaseURLRequired) {
		t.Fatalf("Open: %v", err)
	}
}

func TestNilRepositoryIsNoop(t *testing.T) {
	var r *Repository
	ctx := context.Background()
	if err := r.RecordScore(ctx, coordinator.ScoreEvent{TeamID: "t1", Delta: 10}); err != nil {
		t.Fatalf("RecordScore: %v", err)
	}
	if err := r.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if got, err := r.Standings(ctx, "g"); err != nil || got != nil {
		t.Fatalf("Standings = %v, %v", got, err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// Needs a disposable Postgres, e.g. LEDGER_TEST_DATABASE_URL=postgres://localhost/quiz_test?sslmode=disable
func TestStandingsAgainstPostgres(t *testing.T) {
	url := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	r, err := Open(url)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	game := uuid.NewString()
	events := []coordinator.ScoreEvent{
		{GameID: game, TeamID: "a", TeamName: "Reds", QuestionID: "q1", Reason: "question", Delta: 100, Total: 100},
		{GameID: game, TeamID: "b", TeamName: "Blues", QuestionID: "q1", Reason: "question", Delta: -100, Total: -100},
		{GameID: game, TeamID: "b", TeamName: "Blues", QuestionID: "q2", Reason: "question", Delta: 300, Total: 200},
	}
	for _, ev := range events {
		if err := r.RecordScore(ctx, ev); err != nil {
			t.Fatalf("RecordScore: %v", err)
		}
	}
	got, err := r.Standings(ctx, game)
	if err != nil {
		t.Fatalf("Standings: %v", err)
	}
	if len(got) != 2 || got[0].TeamID != "b" || got[0].Total != 200 || got[0].Events != 2 || got[1].Total != 100 {
		t.Fatalf("standings = %+v", got)
	}
}
