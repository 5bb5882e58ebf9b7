package doctree

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
)

func paragraph(content ...Node) *Element {
	return &Element{Type: "paragraph", Content: content}
}

func markerIDs(doc *Document) []int {
	var ids []int
	for _, ref := range doc.Markers() {
		ids = append(ids, ref.ID)
	}
	return ids
}

func dense(n int) []int {
	if n == 0 {
		return nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func TestInsertSidenoteRenumbersInDocumentOrder(t *testing.T) {
	doc := New(paragraph(&Text{Text: "Hello world"}))

	id, err := doc.InsertSidenote(Cursor(6), true)
	if err != nil {
		t.Fatalf("InsertSidenote() error = %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first marker id 1, got %d", id)
	}

	id, err = doc.InsertSidenote(Cursor(1), true)
	if err != nil {
		t.Fatalf("InsertSidenote() error = %v", err)
	}
	if id != 1 {
		t.Fatalf("expected marker inserted before existing one to get id 1, got %d", id)
	}

	end := doc.Size() - 1
	id, err = doc.InsertSidenote(Cursor(end), true)
	if err != nil {
		t.Fatalf("InsertSidenote() error = %v", err)
	}
	if id != 3 {
		t.Fatalf("expected trailing marker id 3, got %d", id)
	}

	want := []MarkerRef{{ID: 1, Pos: 1}, {ID: 2, Pos: 7}, {ID: 3, Pos: 14}}
	if got := doc.Markers(); !reflect.DeepEqual(got, want) {
		t.Fatalf("markers = %+v, want %+v", got, want)
	}
}

func TestInsertSidenoteKeepsDenseNumbering(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	doc := New(
		paragraph(&Text{Text: "The quick brown fox"}),
		paragraph(&Text{Text: "jumps over the lazy dog"}),
	)

	for i := 0; i < 60; i++ {
		pos := randomInlinePosition(rng, doc)
		id, err := doc.InsertSidenote(Cursor(pos), true)
		if err != nil {
			t.Fatalf("insert %d at %d: %v", i, pos, err)
		}
		got := markerIDs(doc)
		if !reflect.DeepEqual(got, dense(i+1)) {
			t.Fatalf("after insert %d ids = %v", i, got)
		}
		found := false
		for _, ref := range doc.Markers() {
			if ref.Pos == pos && ref.ID == id {
				found = true
			}
		}
		if !found {
			t.Fatalf("new marker %d not found at %d", id, pos)
		}
	}
}

// randomInlinePosition picks a cursor position inside one of the top-level
// paragraphs.
func randomInlinePosition(rng *rand.Rand, doc *Document) int {
	var ranges [][2]int
	pos := 0
	for _, block := range doc.Root().Content {
		ranges = append(ranges, [2]int{pos + 1, pos + block.Size() - 1})
		pos += block.Size()
	}
	r := ranges[rng.Intn(len(ranges))]
	return r[0] + rng.Intn(r[1]-r[0]+1)
}

func TestInsertSidenoteUsesSelectionStart(t *testing.T) {
	doc := New(paragraph(&Text{Text: "abcdefgh"}))

	if _, err := doc.InsertSidenote(Selection{Anchor: 7, Head: 3}, true); err != nil {
		t.Fatalf("InsertSidenote() error = %v", err)
	}
	want := []MarkerRef{{ID: 1, Pos: 3}}
	if got := doc.Markers(); !reflect.DeepEqual(got, want) {
		t.Fatalf("markers = %+v, want %+v", got, want)
	}
	if got := doc.PlainText(); got != "abcdefgh" {
		t.Fatalf("selection text must be kept, got %q", got)
	}
}

func TestInsertSidenoteRejectsReadOnlyAndInvalidPositions(t *testing.T) {
	doc := New(paragraph(&Text{Text: "abc"}), paragraph(&Text{Text: "def"}))
	before := doc.HTML()

	if _, err := doc.InsertSidenote(Cursor(2), false); !errors.Is(err, ErrNotEditable) {
		t.Fatalf("expected ErrNotEditable, got %v", err)
	}
	// Position 5 sits between the two paragraphs.
	if _, err := doc.InsertSidenote(Cursor(5), true); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition, got %v", err)
	}
	if _, err := doc.InsertSidenote(Cursor(99), true); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition for out of range, got %v", err)
	}
	if after := doc.HTML(); after != before {
		t.Fatalf("document changed after rejected edits:\n%s\n%s", before, after)
	}
}

func TestApplyIsAtomic(t *testing.T) {
	doc := New(paragraph(&Text{Text: "abc"}))
	err := doc.Apply(
		Insert{Pos: 2, Node: &Sidenote{}},
		Insert{Pos: 0, Node: &Sidenote{}},
	)
	if !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition, got %v", err)
	}
	if got := doc.Markers(); len(got) != 0 {
		t.Fatalf("expected no markers after failed apply, got %+v", got)
	}
}

func TestDeleteRenumbersRemainingMarkers(t *testing.T) {
	doc := New(paragraph(
		&Text{Text: "a"}, &Sidenote{ID: 1},
		&Text{Text: "b"}, &Sidenote{ID: 2},
		&Text{Text: "c"}, &Sidenote{ID: 3},
	))

	// Delete "b" and the second marker through a generic edit.
	if err := doc.Apply(Delete{From: 3, To: 5}); err != nil {
		t.Fatalf("Apply(Delete) error = %v", err)
	}
	if got := markerIDs(doc); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("ids after delete = %v", got)
	}
	if got := doc.HTML(); got != `<p>a<sup class="sidenote">1</sup>c<sup class="sidenote">2</sup></p>`+"\n" {
		t.Fatalf("unexpected html %q", got)
	}

	if err := doc.DeleteSidenote(1, true); err != nil {
		t.Fatalf("DeleteSidenote() error = %v", err)
	}
	if got := markerIDs(doc); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("ids after DeleteSidenote = %v", got)
	}
}

func TestDeleteRejectsCrossContainerRanges(t *testing.T) {
	doc := New(paragraph(&Text{Text: "abc"}), paragraph(&Text{Text: "def"}))
	if err := doc.Apply(Delete{From: 2, To: 7}); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if err := doc.Apply(Delete{From: 4, To: 2}); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange for reversed range, got %v", err)
	}
	// Whole-block deletion stays within the root.
	if err := doc.Apply(Delete{From: 0, To: 5}); err != nil {
		t.Fatalf("delete first paragraph: %v", err)
	}
	if got := doc.PlainText(); got != "def" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestRenumberNormalisesLoadedIDs(t *testing.T) {
	doc := New(
		paragraph(&Text{Text: "x"}, &Sidenote{ID: 4}),
		&Element{Type: "bulletList", Content: []Node{
			&Element{Type: "listItem", Content: []Node{paragraph(&Sidenote{ID: 0}, &Text{Text: "y"})}},
		}},
		paragraph(&Sidenote{ID: 4}),
	)
	if changed := doc.Renumber(); changed != 3 {
		t.Fatalf("expected 3 changed ids, got %d", changed)
	}
	if got := markerIDs(doc); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("ids = %v", got)
	}
}

func TestSurrogatePairsCountTwoUnits(t *testing.T) {
	doc := New(paragraph(&Text{Text: "a😀b"}))
	if size := doc.Size(); size != 6 {
		t.Fatalf("expected size 6, got %d", size)
	}
	if _, err := doc.InsertSidenote(Cursor(3), true); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected split inside surrogate pair to fail, got %v", err)
	}
	if _, err := doc.InsertSidenote(Cursor(4), true); err != nil {
		t.Fatalf("insert after emoji: %v", err)
	}
	if got := doc.HTML(); got != `<p>a😀<sup class="sidenote">1</sup>b</p>`+"\n" {
		t.Fatalf("unexpected html %q", got)
	}
}

func TestInsertIntoNestedTextblock(t *testing.T) {
	doc := New(
		paragraph(&Text{Text: "intro"}),
		&Element{Type: "blockquote", Content: []Node{paragraph(&Text{Text: "quoted"})}},
	)
	// paragraph(0..7), blockquote opens at 7, inner paragraph at 8, text at 9.
	if _, err := doc.InsertSidenote(Cursor(12), true); err != nil {
		t.Fatalf("InsertSidenote() error = %v", err)
	}
	if _, err := doc.InsertSidenote(Cursor(3), true); err != nil {
		t.Fatalf("InsertSidenote() error = %v", err)
	}
	want := []MarkerRef{{ID: 1, Pos: 3}, {ID: 2, Pos: 13}}
	if got := doc.Markers(); !reflect.DeepEqual(got, want) {
		t.Fatalf("markers = %+v, want %+v", got, want)
	}
}
