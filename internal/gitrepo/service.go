// Package gitrepo keeps a git history of every saved reading so editors can
// see who changed the text or its sidenotes and restore an earlier version.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	contentFile   = "content.json"
	sidenotesFile = "sidenotes.json"
	branch        = "main"
)

var ErrNoHistory = errors.New("no revisions recorded")

// Snapshot is what one revision stores: the document tree and its
// annotation map.
type Snapshot struct {
	Content   json.RawMessage   `json:"content"`
	Sidenotes map[string]string `json:"sidenotes"`
}

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Change summarises the difference between two snapshots.
type Change struct {
	ContentChanged bool     `json:"contentChanged"`
	AddedNotes     []string `json:"addedNotes"`
	RemovedNotes   []string `json:"removedNotes"`
	EditedNotes    []string `json:"editedNotes"`
}

func (c Change) Empty() bool {
	return !c.ContentChanged && len(c.AddedNotes) == 0 && len(c.RemovedNotes) == 0 && len(c.EditedNotes) == 0
}

type Service struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit records snap as the newest revision of the reading, creating its
// repository on first use. Saving an unchanged snapshot returns the current
// head without a new commit.
func (s *Service) Commit(contentID string, snap Snapshot, author, message string) (Revision, error) {
	lock := s.readingLock(contentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(contentID)
	if err != nil {
		return Revision{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	if head, err := repo.Head(); err == nil {
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return Revision{}, fmt.Errorf("load head commit: %w", err)
		}
		previous, err := readSnapshot(commitObj)
		if err != nil {
			return Revision{}, err
		}
		if Diff(previous, snap).Empty() {
			return toRevision(commitObj), nil
		}
	}

	root := worktree.Filesystem.Root()
	if err := writeJSON(filepath.Join(root, contentFile), normalizeContent(snap.Content)); err != nil {
		return Revision{}, err
	}
	notes := snap.Sidenotes
	if notes == nil {
		notes = map[string]string{}
	}
	if err := writeJSON(filepath.Join(root, sidenotesFile), notes); err != nil {
		return Revision{}, err
	}
	for _, name := range []string{contentFile, sidenotesFile} {
		if _, err := worktree.Add(name); err != nil {
			return Revision{}, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	if strings.TrimSpace(message) == "" {
		message = "Update reading"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@editors.readingnotes.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return Revision{}, fmt.Errorf("commit reading: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// History lists revisions newest first. A reading that was never saved has
// an empty history.
func (s *Service) History(contentID string, limit int) ([]Revision, error) {
	lock := s.readingLock(contentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(contentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []Revision{}, nil
		}
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// At returns the snapshot stored in the given revision, which may be an
// abbreviated hash.
func (s *Service) At(contentID, hash string) (Snapshot, Revision, error) {
	lock := s.readingLock(contentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(contentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Snapshot{}, Revision{}, ErrNoHistory
	}
	if err != nil {
		return Snapshot{}, Revision{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Snapshot{}, Revision{}, fmt.Errorf("resolve revision %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Snapshot{}, Revision{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	snap, err := readSnapshot(commitObj)
	if err != nil {
		return Snapshot{}, Revision{}, err
	}
	return snap, toRevision(commitObj), nil
}

// Diff compares two snapshots. Note ids in each list are sorted.
func Diff(from, to Snapshot) Change {
	change := Change{
		ContentChanged: string(normalizeContent(from.Content)) != string(normalizeContent(to.Content)),
		AddedNotes:     []string{},
		RemovedNotes:   []string{},
		EditedNotes:    []string{},
	}
	for id, html := range to.Sidenotes {
		before, ok := from.Sidenotes[id]
		switch {
		case !ok:
			change.AddedNotes = append(change.AddedNotes, id)
		case before != html:
			change.EditedNotes = append(change.EditedNotes, id)
		}
	}
	for id := range from.Sidenotes {
		if _, ok := to.Sidenotes[id]; !ok {
			change.RemovedNotes = append(change.RemovedNotes, id)
		}
	}
	sort.Strings(change.AddedNotes)
	sort.Strings(change.RemovedNotes)
	sort.Strings(change.EditedNotes)
	return change
}

func (s *Service) openOrInit(contentID string) (*git.Repository, error) {
	path := s.repoPath(contentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branch, err)
	}
	return repo, nil
}

func (s *Service) repoPath(contentID string) string {
	return filepath.Join(s.baseDir, safeDirName(contentID))
}

func (s *Service) readingLock(contentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[contentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[contentID] = lock
	return lock
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	var snap Snapshot
	content, err := readFile(commitObj, contentFile)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Content = json.RawMessage(content)

	notes, err := readFile(commitObj, sidenotesFile)
	if err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal(notes, &snap.Sidenotes); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s: %w", sidenotesFile, err)
	}
	return snap, nil
}

func readFile(commitObj *object.Commit, name string) ([]byte, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func writeJSON(path string, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// normalizeContent re-encodes the tree so formatting differences do not count
// as edits. Invalid JSON is kept verbatim.
func normalizeContent(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return raw
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return raw
	}
	return normalized
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "editor"
	}
	return string(out)
}

// safeDirName maps a content id, which may contain spaces or slashes, onto a
// single directory name.
func safeDirName(contentID string) string {
	var b strings.Builder
	for _, r := range contentID {
		switch {
		case r == '/' || r == '\\' || r == 0:
			b.WriteByte('_')
		case r == '.' && b.Len() == 0:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
