package changeset

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/wegman-software/osm2apidb-go/internal/section"
)

type sequenceIDs struct {
	next int64
	err  error
}

func (s *sequenceIDs) NewChangesetID(context.Context) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.next++
	return s.next, nil
}

type rowRecorder struct {
	rows [][]any
}

func (r *rowRecorder) Append(table string, values ...any) error {
	if table != section.Changesets {
		return errors.New("unexpected table " + table)
	}
	r.rows = append(r.rows, values)
	return nil
}

func pointBound(lon, lat float64) *orb.Bound {
	b := orb.Point{lon, lat}.Bound()
	return &b
}

func TestRolloverAtMaximum(t *testing.T) {
	ctx := context.Background()
	ids := &sequenceIDs{}
	out := &rowRecorder{}
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := NewBatcher(ids, out, 7, 3, WithClock(func() time.Time { return clock }))

	points := []orb.Point{
		{1, 1}, {2, 3}, {-1, 2}, // changeset 1
		{10, 10}, {11, 9}, {12, 12}, // changeset 2
		{-5, -5}, // changeset 3
	}

	var got []int64
	for _, p := range points {
		id, err := b.RecordChange(ctx, pointBound(p.Lon(), p.Lat()))
		if err != nil {
			t.Fatalf("RecordChange failed: %v", err)
		}
		got = append(got, id)
	}

	want := []int64{1, 1, 1, 2, 2, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("changeset ids = %v, want %v", got, want)
		}
	}

	// the first two were staged on rollover, the third is still open
	if len(out.rows) != 2 {
		t.Fatalf("staged rows before close = %d, want 2", len(out.rows))
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(out.rows) != 3 || b.Written() != 3 || b.LastID() != 3 {
		t.Fatalf("after close: rows=%d written=%d last=%d", len(out.rows), b.Written(), b.LastID())
	}

	tests := []struct {
		name           string
		row            []any
		minLat, maxLat int64
		minLon, maxLon int64
		changes        int
	}{
		{"first", out.rows[0], 1e7, 3e7, -1e7, 2e7, 3},
		{"second", out.rows[1], 9e7, 12e7, 10e7, 12e7, 3},
		{"third", out.rows[2], -5e7, -5e7, -5e7, -5e7, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if len(tt.row) != 9 {
				t.Fatalf("row has %d columns, want 9", len(tt.row))
			}
			if tt.row[1] != int64(7) {
				t.Errorf("user_id = %v, want 7", tt.row[1])
			}
			gotBox := [4]any{tt.row[3], tt.row[4], tt.row[5], tt.row[6]}
			wantBox := [4]any{tt.minLat, tt.maxLat, tt.minLon, tt.maxLon}
			if gotBox != wantBox {
				t.Errorf("envelope = %v, want %v", gotBox, wantBox)
			}
			if tt.row[8] != tt.changes {
				t.Errorf("num_changes = %v, want %d", tt.row[8], tt.changes)
			}
			if tt.row[2] != clock || tt.row[7] != clock {
				t.Errorf("timestamps = %v, %v", tt.row[2], tt.row[7])
			}
		})
	}

	if _, err := b.RecordChange(ctx, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("RecordChange after Close = %v, want ErrClosed", err)
	}
}

func TestChangesetWithoutLocation(t *testing.T) {
	out := &rowRecorder{}
	b := NewBatcher(&sequenceIDs{next: 40}, out, 1, 0)

	if _, err := b.RecordChange(context.Background(), nil); err != nil {
		t.Fatalf("RecordChange failed: %v", err)
	}
	cs, ok := b.Current()
	if !ok || cs.ID != 41 || cs.Bounded {
		t.Errorf("Current = %+v, %v", cs, ok)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	row := out.rows[0]
	for i := 3; i <= 6; i++ {
		if row[i] != section.Null {
			t.Errorf("column %d = %v, want NULL", i, row[i])
		}
	}
}

func TestChangesetIDFailure(t *testing.T) {
	boom := errors.New("sequence unavailable")
	b := NewBatcher(&sequenceIDs{err: boom}, &rowRecorder{}, 1, 10)
	_, err := b.RecordChange(context.Background(), nil)
	if !errors.Is(err, boom) || !errors.Is(err, ErrNoID) {
		t.Errorf("RecordChange = %v, want ErrNoID wrapping %v", err, boom)
	}
}

func TestCloseWithoutChanges(t *testing.T) {
	out := &rowRecorder{}
	b := NewBatcher(&sequenceIDs{}, out, 1, 10)
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(out.rows) != 0 || b.Written() != 0 {
		t.Errorf("empty session staged %d changesets", len(out.rows))
	}
}
