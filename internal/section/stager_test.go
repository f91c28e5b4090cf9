package section

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCatalogOrder(t *testing.T) {
	pos := make(map[string]int)
	for i, tbl := range Catalog(true) {
		pos[tbl.Name] = i
	}

	// parent must load before the table referencing it
	deps := [][2]string{
		{Users, Changesets},
		{Changesets, CurrentNodes},
		{CurrentNodes, CurrentWayNodes},
		{CurrentWays, CurrentWayNodes},
		{CurrentWays, CurrentRelationMembers},
		{CurrentRelations, CurrentRelationMembers},
		{Nodes, NodeTags},
		{Ways, WayNodes},
		{Relations, RelationMembers},
	}
	for _, d := range deps {
		if pos[d[0]] >= pos[d[1]] {
			t.Errorf("%s must come before %s", d[0], d[1])
		}
	}

	for _, tbl := range Catalog(false) {
		if tbl.History {
			t.Errorf("history table %s included without history", tbl.Name)
		}
	}
	if len(Catalog(false)) != 11 {
		t.Errorf("got %d current tables, want 11", len(Catalog(false)))
	}
}

func TestStagerFinalizeConcatenatesInOrder(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStager(dir, Catalog(false))
	if err != nil {
		t.Fatalf("NewStager failed: %v", err)
	}

	// appended out of load order on purpose
	mustAppend(t, s, CurrentWayNodes, int64(1), int64(10), 1)
	mustAppend(t, s, CurrentWayNodes, int64(1), Null, 2)
	mustAppend(t, s, CurrentNodeTags, int64(10), "name", "a\tb")
	mustAppend(t, s, CurrentWays, int64(1), int64(5), Null, true, 1)

	// history tables are disabled, rows for them are dropped
	mustAppend(t, s, WayNodes, int64(1), int64(10), 1, 1)

	payload, err := s.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	defer payload.Remove()

	var names []string
	for _, sec := range payload.Sections {
		names = append(names, sec.Table.Name)
	}
	want := []string{CurrentNodeTags, CurrentWays, CurrentWayNodes}
	if len(names) != len(want) {
		t.Fatalf("sections = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("sections = %v, want %v", names, want)
		}
	}

	if payload.Rows() != 4 {
		t.Errorf("payload rows = %d, want 4", payload.Rows())
	}

	rows, err := payload.ReadSection(CurrentNodeTags)
	if err != nil {
		t.Fatalf("ReadSection failed: %v", err)
	}
	if len(rows) != 1 || rows[0][2].Value != "a\tb" {
		t.Errorf("tag row not recovered: %v", rows)
	}

	wayNodes, err := payload.ReadSection(CurrentWayNodes)
	if err != nil {
		t.Fatalf("ReadSection failed: %v", err)
	}
	if len(wayNodes) != 2 || !wayNodes[1][1].Null {
		t.Errorf("way node rows = %v", wayNodes)
	}

	// section files are gone after concatenation
	matches, _ := filepath.Glob(filepath.Join(dir, "*.section"))
	if len(matches) != 0 {
		t.Errorf("section files left behind: %v", matches)
	}

	if err := s.Append(CurrentWays, int64(2), int64(5), Null, true, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after Finalize = %v, want ErrClosed", err)
	}
}

func TestStagerColumnMismatch(t *testing.T) {
	s, err := NewStager(t.TempDir(), Catalog(true))
	if err != nil {
		t.Fatalf("NewStager failed: %v", err)
	}
	defer s.Discard()

	if err := s.Append(CurrentNodeTags, int64(1), "k"); err == nil {
		t.Error("expected column count error")
	}
}

func TestStagerDiscard(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStager(dir, Catalog(true))
	if err != nil {
		t.Fatalf("NewStager failed: %v", err)
	}
	mustAppend(t, s, CurrentNodeTags, int64(1), "k", "v")

	if err := s.Discard(); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, CurrentNodeTags+".section")); !os.IsNotExist(err) {
		t.Errorf("section file still present: %v", err)
	}
	if err := s.Discard(); err != nil {
		t.Errorf("second Discard failed: %v", err)
	}
}

func mustAppend(t *testing.T, s *Stager, table string, values ...any) {
	t.Helper()
	if err := s.Append(table, values...); err != nil {
		t.Fatalf("Append(%s) failed: %v", table, err)
	}
}

func TestStagerRejectsInvalidText(t *testing.T) {
	s, err := NewStager(t.TempDir(), Catalog(true))
	if err != nil {
		t.Fatalf("NewStager failed: %v", err)
	}
	defer s.Discard()

	if err := s.Append(CurrentNodeTags, int64(1), "name", "a\x00b"); err == nil {
		t.Error("expected error for NUL byte")
	}
	if err := s.Append(CurrentNodeTags, int64(1), "name", "\xff"); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
	if err := s.Append(CurrentNodeTags, int64(1), "name", "ok"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if got := s.Rows(CurrentNodeTags); got != 1 {
		t.Errorf("rows = %d, want 1", got)
	}
}
