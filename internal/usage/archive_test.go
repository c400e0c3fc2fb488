package usage

import (
	"path/filepath"
	"testing"
)

func TestOpenArchiveCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	archive, err := OpenArchive(path)
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer archive.Close()
}

func TestArchiveInsertAndQuery(t *testing.T) {
	archive, err := OpenArchive(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer archive.Close()

	rows := []ArchiveRow{
		{KeyHash: "aaa111222333", MaskedID: "...abcd", Date: "2026-01-02", Requests: 12, Errors: 1},
		{KeyHash: "aaa111222333", MaskedID: "...abcd", Date: "2026-01-03", Requests: 20, Errors: 0},
		{KeyHash: "bbb444555666", MaskedID: "...wxyz", Date: "2026-01-03", Requests: 7, Errors: 2},
	}
	if err := archive.Insert(rows); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := archive.QueryRecent(10)
	if err != nil {
		t.Fatalf("QueryRecent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(got))
	}
	// Newest first.
	if got[0].Date != "2026-01-03" {
		t.Errorf("rows[0].Date = %q, want 2026-01-03", got[0].Date)
	}
	if got[2].Date != "2026-01-02" || got[2].Requests != 12 {
		t.Errorf("rows[2] = %+v, want 2026-01-02 with 12 requests", got[2])
	}
}

func TestArchiveReinsertReplaces(t *testing.T) {
	archive, err := OpenArchive(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer archive.Close()

	row := ArchiveRow{KeyHash: "aaa111222333", MaskedID: "...abcd", Date: "2026-01-02", Requests: 5, Errors: 0}
	if err := archive.Insert([]ArchiveRow{row}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	row.Requests = 9
	if err := archive.Insert([]ArchiveRow{row}); err != nil {
		t.Fatalf("re-Insert: %v", err)
	}

	got, err := archive.QueryRecent(10)
	if err != nil {
		t.Fatalf("QueryRecent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(rows) = %d, want 1 after upsert", len(got))
	}
	if got[0].Requests != 9 {
		t.Errorf("Requests = %d, want 9", got[0].Requests)
	}
}

func TestArchiveInsertEmpty(t *testing.T) {
	archive, err := OpenArchive(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer archive.Close()

	if err := archive.Insert(nil); err != nil {
		t.Fatalf("Insert(nil): %v", err)
	}
}
