package learnstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rec(fp, response, outcome string, at time.Time) Record {
	return Record{
		SessionID:   "s1",
		Fingerprint: fp,
		Response:    response,
		Strategy:    "default_rule",
		Confidence:  0.5,
		Outcome:     outcome,
		DecidedAt:   at,
		RecordedAt:  at,
	}
}

func TestStore_AppendLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	if err := s.Append("projA", []Record{
		rec("fp1", "y", "applied", now),
		rec("fp2", "1", "failed", now.Add(time.Second)),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := s.Load("projA", 500)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Project != "projA" || records[0].Response != "y" {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if !records[1].RecordedAt.Equal(now.Add(time.Second)) {
		t.Fatalf("timestamp lost: %+v", records[1])
	}
}

func TestStore_LoadMissingProjectIsEmpty(t *testing.T) {
	s := openTestStore(t)
	records, err := s.Load("never-written", 500)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestStore_CompactsOldestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()
	var batch []Record
	for i := 0; i < 6; i++ {
		r := rec("fp1", "y", "applied", base.Add(time.Duration(i)*time.Second))
		batch = append(batch, r)
	}
	if err := s.Append("projA", batch); err != nil {
		t.Fatalf("append: %v", err)
	}
	records, err := s.Load("projA", 4)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records after compaction, got %d", len(records))
	}
	if !records[0].RecordedAt.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("oldest records should be evicted first: %+v", records[0])
	}
}

func TestStore_TornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Now().UTC()
	if err := s.Append("projA", []Record{rec("fp1", "y", "applied", now)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = s.Close()

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one store file: %v %v", entries, err)
	}
	path := filepath.Join(dir, entries[0].Name())
	// Simulate a torn write: a record header that promises more bytes than
	// the file holds.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	if _, err := f.Write([]byte{0x01, 0x00, 0x00, 0x10, 0x00, 'x'}); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	_ = f.Close()

	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	records, err := s2.Load("projA", 500)
	if err != nil {
		t.Fatalf("load with torn tail: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the valid record to survive, got %d", len(records))
	}
	// The file is now clean; a second load sees the same record.
	again, err := s2.Load("projA", 500)
	if err != nil || len(again) != 1 {
		t.Fatalf("post-truncation load: %v %d", err, len(again))
	}
}

func TestStore_BadMagicIsCorrupted(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	path := s.pathFor("projA")
	if err := os.WriteFile(path, []byte("JUNKJUNKJUNK"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	if _, err := s.Load("projA", 500); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

func TestStore_LoadAllGroupsByProject(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	if err := s.Append("projA", []Record{rec("fp1", "y", "applied", now)}); err != nil {
		t.Fatalf("append A: %v", err)
	}
	if err := s.Append("projB", []Record{rec("fp2", "1", "applied", now)}); err != nil {
		t.Fatalf("append B: %v", err)
	}
	all, err := s.LoadAll(500)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 2 || len(all["projA"]) != 1 || len(all["projB"]) != 1 {
		t.Fatalf("unexpected grouping: %+v", all)
	}
}

func TestStore_PathSanitization(t *testing.T) {
	s := openTestStore(t)
	path := s.pathFor("/home/user/my project!")
	base := filepath.Base(path)
	if strings.ContainsAny(base, "/! ") {
		t.Fatalf("unsafe characters leaked into filename: %s", base)
	}
	if !strings.HasSuffix(base, fileSuffix) {
		t.Fatalf("missing suffix: %s", base)
	}
	// Distinct projects that sanitize identically must not collide.
	other := s.pathFor("/home/user/my_project_")
	if other == path {
		t.Fatal("distinct project ids must map to distinct files")
	}
}
