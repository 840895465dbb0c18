package presets

import (
	"context"
	"testing"
	"time"

	"github.com/rega1237/renova-crm-sub000/v1/board"
	"github.com/rega1237/renova-crm-sub000/v1/coordinator"
)

func TestInMemoryBoardRoundtrip(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBoard("b1")

	now := time.Now().Add(-time.Hour)
	err := b.Records.Put(ctx, board.Record{
		ID: "42", Lane: board.LaneLead, Title: "record 42",
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	g, err := b.Locks.Acquire(ctx, "42", "A", "viewer A")
	if err != nil || !g.Granted {
		t.Fatalf("acquire: %+v, %v", g, err)
	}

	if _, err := b.Coordinator.MoveRecord(ctx, "42", board.LaneLead, board.LaneWon, coordinator.Actor{ID: "A"}); err != nil {
		t.Fatalf("move: %v", err)
	}

	counts, err := b.Loader.Counts(ctx, board.Filters{})
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[board.LaneWon] != 1 || counts[board.LaneLead] != 0 {
		t.Fatalf("counts = %v", counts)
	}
}
