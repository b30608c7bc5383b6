package dialogue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mealtrace/mealtrace/internal/logging"
)

var dialogueLog = logging.ForComponent(logging.CompDialogue)

var (
	ErrDialogueNotFound = errors.New("dialogue: dialogue not found")
	ErrCardNotFound     = errors.New("dialogue: card not found")
)

// Directory names under a user's data tree.
const (
	dialoguesDir  = "dialogues"
	cardsDir      = "cards"
	indexFileName = "index.json"
)

const indexVersion = 1

type dialogueIndexFile struct {
	Version int               `json:"version"`
	Entries []DialogueSummary `json:"entries"`
}

type cardIndexFile struct {
	Version int           `json:"version"`
	Entries []CardSummary `json:"entries"`
}

// Store provides per-user CRUD over Dialogue and ResultCard documents
// plus a denormalized sortable index for each. Documents are one JSON
// file per id; the index is held in memory and mirrored to index.json,
// rebuilt from the authoritative documents whenever the mirror is
// missing or unreadable.
type Store struct {
	root string
	user string
	now  func() time.Time

	mu        sync.Mutex
	dialogues map[string]DialogueSummary
	cards     map[string]CardSummary
	dirty     bool

	watch *watcher
}

// Open loads (or rebuilds) the indices for a user and returns the store.
func Open(root, user string) (*Store, error) {
	if user == "" || strings.ContainsAny(user, "/\\") || user == ".." {
		return nil, fmt.Errorf("invalid user %q", user)
	}
	s := &Store{
		root:      root,
		user:      user,
		now:       time.Now,
		dialogues: make(map[string]DialogueSummary),
		cards:     make(map[string]CardSummary),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadOrRebuildLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close stops the directory watcher, if one was started.
func (s *Store) Close() error {
	s.mu.Lock()
	w := s.watch
	s.watch = nil
	s.mu.Unlock()
	if w != nil {
		return w.stop()
	}
	return nil
}

func (s *Store) dialogueDir() string { return filepath.Join(s.root, s.user, dialoguesDir) }
func (s *Store) cardDir() string     { return filepath.Join(s.root, s.user, cardsDir) }

func (s *Store) docPath(dir, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || id == ".." {
		return "", fmt.Errorf("invalid document id %q", id)
	}
	return filepath.Join(dir, id+".json"), nil
}

// writeDoc persists a document atomically via tmp + rename.
func (s *Store) writeDoc(dir, id string, v any) error {
	path, err := s.docPath(dir, id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", id, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create document dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename document %s: %w", path, err)
	}
	return nil
}

func (s *Store) readDoc(dir, id string, v any, notFound error) error {
	path, err := s.docPath(dir, id)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return notFound
		}
		return fmt.Errorf("read document %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse document %s: %w", path, err)
	}
	return nil
}

// CreateDialogue persists a new dialogue and indexes it.
func (s *Store) CreateDialogue(title string) (*Dialogue, error) {
	now := s.now()
	d := &Dialogue{
		ID:        uuid.NewString(),
		Title:     title,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.putDialogue(d); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDialogue fetches one dialogue document by id.
func (s *Store) GetDialogue(id string) (*Dialogue, error) {
	var d Dialogue
	if err := s.readDoc(s.dialogueDir(), id, &d, ErrDialogueNotFound); err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDialogue rewrites a dialogue document and refreshes its index
// entry. UpdatedAt is stamped here.
func (s *Store) UpdateDialogue(d *Dialogue) error {
	if d.ID == "" {
		return fmt.Errorf("dialogue: missing id")
	}
	d.UpdatedAt = s.now()
	return s.putDialogue(d)
}

func (s *Store) putDialogue(d *Dialogue) error {
	if err := s.writeDoc(s.dialogueDir(), d.ID, d); err != nil {
		return err
	}
	// Index write follows the document write; a crash between the two
	// leaves a stale index, which self-heals on the next rebuild.
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialogues[d.ID] = summarizeDialogue(d)
	return s.persistDialogueIndexLocked()
}

// AppendMessage appends one message to a dialogue, linking any derived
// card id, and returns the updated dialogue.
func (s *Store) AppendMessage(dialogueID string, msg Message) (*Dialogue, error) {
	d, err := s.GetDialogue(dialogueID)
	if err != nil {
		return nil, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	d.Messages = append(d.Messages, msg)
	if msg.CardID != "" {
		linked := false
		for _, id := range d.CardIDs {
			if id == msg.CardID {
				linked = true
				break
			}
		}
		if !linked {
			d.CardIDs = append(d.CardIDs, msg.CardID)
		}
	}
	if err := s.UpdateDialogue(d); err != nil {
		return nil, err
	}
	return d, nil
}

// DeleteDialogue removes the document and its index entry. Cards owned
// by the dialogue are kept; they still carry the dialogue id.
func (s *Store) DeleteDialogue(id string) error {
	path, err := s.docPath(s.dialogueDir(), id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrDialogueNotFound
		}
		return fmt.Errorf("remove dialogue %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dialogues, id)
	return s.persistDialogueIndexLocked()
}

// ListDialogues returns index entries sorted by updated_at descending,
// paginated by offset/limit (limit <= 0 means no cap).
func (s *Store) ListDialogues(offset, limit int) ([]DialogueSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rebuildIfDirtyLocked(); err != nil {
		return nil, err
	}
	entries := make([]DialogueSummary, 0, len(s.dialogues))
	for _, e := range s.dialogues {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// SaveCard creates or rewrites a result card document and its index
// entry. Ids and timestamps are filled in for new cards.
func (s *Store) SaveCard(c *ResultCard) error {
	now := s.now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusAnalyzing
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if err := s.writeDoc(s.cardDir(), c.ID, c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[c.ID] = summarizeCard(c)
	return s.persistCardIndexLocked()
}

// GetCard fetches one result card document by id.
func (s *Store) GetCard(id string) (*ResultCard, error) {
	var c ResultCard
	if err := s.readDoc(s.cardDir(), id, &c, ErrCardNotFound); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteCard removes the document and its index entry.
func (s *Store) DeleteCard(id string) error {
	path, err := s.docPath(s.cardDir(), id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrCardNotFound
		}
		return fmt.Errorf("remove card %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cards, id)
	return s.persistCardIndexLocked()
}

// RecentCards returns card index entries sorted by updated_at
// descending, capped at limit (limit <= 0 means no cap).
func (s *Store) RecentCards(limit int) ([]CardSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.sortedCardsLocked()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) sortedCardsLocked() ([]CardSummary, error) {
	if err := s.rebuildIfDirtyLocked(); err != nil {
		return nil, err
	}
	entries := make([]CardSummary, 0, len(s.cards))
	for _, e := range s.cards {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
	return entries, nil
}

// CardSummaries returns all card index entries, most recent first.
func (s *Store) CardSummaries() ([]CardSummary, error) {
	return s.RecentCards(0)
}

// DialogueSummaries returns all dialogue index entries, most recent
// first.
func (s *Store) DialogueSummaries() ([]DialogueSummary, error) {
	return s.ListDialogues(0, 0)
}

func (s *Store) persistDialogueIndexLocked() error {
	entries := make([]DialogueSummary, 0, len(s.dialogues))
	for _, e := range s.dialogues {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return s.writeIndex(s.dialogueDir(), dialogueIndexFile{Version: indexVersion, Entries: entries})
}

func (s *Store) persistCardIndexLocked() error {
	entries := make([]CardSummary, 0, len(s.cards))
	for _, e := range s.cards {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return s.writeIndex(s.cardDir(), cardIndexFile{Version: indexVersion, Entries: entries})
}

func (s *Store) writeIndex(dir string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	path := filepath.Join(dir, indexFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename index %s: %w", path, err)
	}
	return nil
}

// loadOrRebuildLocked loads both index mirrors, falling back to a full
// directory scan for any that is missing or unparsable.
func (s *Store) loadOrRebuildLocked() error {
	var df dialogueIndexFile
	if ok := s.readIndex(s.dialogueDir(), &df); ok && df.Version == indexVersion {
		for _, e := range df.Entries {
			s.dialogues[e.ID] = e
		}
	} else {
		if err := s.rebuildDialogueIndexLocked(); err != nil {
			return err
		}
	}

	var cf cardIndexFile
	if ok := s.readIndex(s.cardDir(), &cf); ok && cf.Version == indexVersion {
		for _, e := range cf.Entries {
			s.cards[e.ID] = e
		}
	} else {
		if err := s.rebuildCardIndexLocked(); err != nil {
			return err
		}
	}
	return nil
}

// readIndex returns false when the mirror is absent or unreadable; the
// caller rebuilds from the authoritative documents in that case.
func (s *Store) readIndex(dir string, v any) bool {
	path := filepath.Join(dir, indexFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			dialogueLog.Warn("index_unreadable", slog.String("path", path), slog.String("error", err.Error()))
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		dialogueLog.Warn("index_corrupt", slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (s *Store) rebuildIfDirtyLocked() error {
	if !s.dirty {
		return nil
	}
	s.dirty = false
	if err := s.rebuildDialogueIndexLocked(); err != nil {
		return err
	}
	return s.rebuildCardIndexLocked()
}

func (s *Store) rebuildDialogueIndexLocked() error {
	s.dialogues = make(map[string]DialogueSummary)
	err := scanDocuments(s.dialogueDir(), func(data []byte) {
		var d Dialogue
		if err := json.Unmarshal(data, &d); err != nil || d.ID == "" {
			return
		}
		s.dialogues[d.ID] = summarizeDialogue(&d)
	})
	if err != nil {
		return err
	}
	dialogueLog.Info("dialogue_index_rebuilt", slog.Int("entries", len(s.dialogues)))
	return s.persistDialogueIndexLocked()
}

func (s *Store) rebuildCardIndexLocked() error {
	s.cards = make(map[string]CardSummary)
	err := scanDocuments(s.cardDir(), func(data []byte) {
		var c ResultCard
		if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
			return
		}
		s.cards[c.ID] = summarizeCard(&c)
	})
	if err != nil {
		return err
	}
	dialogueLog.Info("card_index_rebuilt", slog.Int("entries", len(s.cards)))
	return s.persistCardIndexLocked()
}

// scanDocuments walks every document file in dir, skipping the index
// mirror and anything unreadable or corrupt.
func scanDocuments(dir string, fn func(data []byte)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan documents %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" || name == indexFileName {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			dialogueLog.Debug("skip_unreadable_document", slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		fn(data)
	}
	return nil
}

// VerifyAndRepair rebuilds both indices from the authoritative document
// files and persists the mirrors, returning the entry counts.
func (s *Store) VerifyAndRepair() (dialogues, cards int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
	if err := s.rebuildDialogueIndexLocked(); err != nil {
		return 0, 0, err
	}
	if err := s.rebuildCardIndexLocked(); err != nil {
		return 0, 0, err
	}
	return len(s.dialogues), len(s.cards), nil
}

// markDirty flags the in-memory indices for rebuild on next read; used
// by the directory watcher when documents change underneath us.
func (s *Store) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}
