package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Content: json.RawMessage(`{
			"type":"doc",
			"content":[
				{"type":"paragraph","content":[
					{"type":"text","text":"本文"},
					{"type":"sidenote","attrs":{"id":1}}
				]}
			]
		}`),
		Sidenotes: map[string]string{"1": "<p>first note</p>"},
	}
}

func TestCommitHistoryAndAt(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first, err := svc.Commit("intro to alignment", sampleSnapshot(), "Avery", "Initial import")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if len(first.Hash) != 7 || first.Author != "Avery" || first.Message != "Initial import" {
		t.Fatalf("unexpected revision %+v", first)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "intro to alignment", ".git")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	next := sampleSnapshot()
	next.Sidenotes["1"] = "<p>edited</p>"
	next.Sidenotes["2"] = "<p>second</p>"
	second, err := svc.Commit("intro to alignment", next, "Avery", "")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if second.Hash == first.Hash || second.Message != "Update reading" {
		t.Fatalf("unexpected second revision %+v", second)
	}

	history, err := svc.History("intro to alignment", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second.Hash || history[1].Hash != first.Hash {
		t.Fatalf("unexpected history %+v", history)
	}
	if limited, _ := svc.History("intro to alignment", 1); len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}

	old, rev, err := svc.At("intro to alignment", first.Hash)
	if err != nil {
		t.Fatalf("At() error = %v", err)
	}
	if rev.Hash != first.Hash || old.Sidenotes["1"] != "<p>first note</p>" || len(old.Sidenotes) != 1 {
		t.Fatalf("unexpected snapshot %+v at %+v", old, rev)
	}
	if string(normalizeContent(old.Content)) != string(normalizeContent(sampleSnapshot().Content)) {
		t.Fatalf("content mismatch: %s", old.Content)
	}
}

func TestCommitSkipsUnchangedSnapshot(t *testing.T) {
	svc := New(t.TempDir())
	first, err := svc.Commit("r1", sampleSnapshot(), "Avery", "Save")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	again, err := svc.Commit("r1", sampleSnapshot(), "Blake", "Save again")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if again.Hash != first.Hash {
		t.Fatalf("expected unchanged save to reuse %s, got %s", first.Hash, again.Hash)
	}
	history, _ := svc.History("r1", 0)
	if len(history) != 1 {
		t.Fatalf("expected one revision, got %d", len(history))
	}
}

func TestHistoryOfUnsavedReading(t *testing.T) {
	svc := New(t.TempDir())
	history, err := svc.History("never-saved", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %+v", history)
	}
	if _, _, err := svc.At("never-saved", "abc1234"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

func TestDiff(t *testing.T) {
	from := Snapshot{
		Content:   json.RawMessage(`{"type":"doc","content":[]}`),
		Sidenotes: map[string]string{"1": "a", "2": "b", "3": "c"},
	}
	to := Snapshot{
		Content:   json.RawMessage(`{ "content": [], "type": "doc" }`),
		Sidenotes: map[string]string{"1": "a", "2": "B", "4": "d"},
	}
	change := Diff(from, to)
	want := Change{
		ContentChanged: false,
		AddedNotes:     []string{"4"},
		RemovedNotes:   []string{"3"},
		EditedNotes:    []string{"2"},
	}
	if !reflect.DeepEqual(change, want) {
		t.Fatalf("Diff() = %+v, want %+v", change, want)
	}
	if !Diff(from, from).Empty() {
		t.Fatal("expected identical snapshots to have no changes")
	}
}

func TestSafeDirName(t *testing.T) {
	cases := map[string]string{
		"a/b":    "a_b",
		"..":     "_.",
		"":       "_",
		"日本語 読書": "日本語 読書",
	}
	for in, want := range cases {
		if got := safeDirName(in); got != want {
			t.Errorf("safeDirName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConcurrentCommitsSameReading(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.Commit("r1", sampleSnapshot(), "Avery", "Initial"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			next := sampleSnapshot()
			next.Sidenotes["1"] = fmt.Sprintf("<p>note %02d</p>", idx)
			if _, err := svc.Commit("r1", next, "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent Commit() error = %v", err)
	}

	history, err := svc.History("r1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("expected %d revisions, got %d", writers+1, len(history))
	}
}
