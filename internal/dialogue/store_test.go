package dialogue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := Open(root, "u1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, root
}

func TestCreateAndGetDialogue(t *testing.T) {
	s, _ := openTestStore(t)

	d, err := s.CreateDialogue("breakfast chat")
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)
	assert.False(t, d.CreatedAt.IsZero())

	got, err := s.GetDialogue(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "breakfast chat", got.Title)
	assert.Empty(t, got.Messages)
}

func TestGetDialogueNotFound(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.GetDialogue("nope")
	assert.ErrorIs(t, err, ErrDialogueNotFound)
}

func TestAppendMessageLinksCard(t *testing.T) {
	s, _ := openTestStore(t)
	d, err := s.CreateDialogue("chat")
	require.NoError(t, err)

	_, err = s.AppendMessage(d.ID, Message{Role: "user", Content: "what did I eat?"})
	require.NoError(t, err)
	updated, err := s.AppendMessage(d.ID, Message{Role: "assistant", Content: "analysis", CardID: "card-1"})
	require.NoError(t, err)

	assert.Len(t, updated.Messages, 2)
	assert.Equal(t, []string{"card-1"}, updated.CardIDs)
	assert.False(t, updated.Messages[0].Timestamp.IsZero())

	// Appending another message with the same card id must not
	// duplicate the link.
	updated, err = s.AppendMessage(d.ID, Message{Role: "assistant", Content: "more", CardID: "card-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"card-1"}, updated.CardIDs)
}

func TestListDialoguesSortedAndPaginated(t *testing.T) {
	s, _ := openTestStore(t)

	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	var ids []string
	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		d, err := s.CreateDialogue("chat")
		require.NoError(t, err)
		ids = append(ids, d.ID)
	}

	list, err := s.ListDialogues(0, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)

	page2, err := s.ListDialogues(2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, ids[0], page2[0].ID)

	empty, err := s.ListDialogues(10, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDeleteDialogue(t *testing.T) {
	s, _ := openTestStore(t)
	d, err := s.CreateDialogue("chat")
	require.NoError(t, err)

	require.NoError(t, s.DeleteDialogue(d.ID))
	_, err = s.GetDialogue(d.ID)
	assert.ErrorIs(t, err, ErrDialogueNotFound)

	assert.ErrorIs(t, s.DeleteDialogue(d.ID), ErrDialogueNotFound)

	list, err := s.ListDialogues(0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSaveCardDefaults(t *testing.T) {
	s, _ := openTestStore(t)

	c := &ResultCard{DialogueID: "d1", Mode: "meal"}
	require.NoError(t, s.SaveCard(c))

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, StatusAnalyzing, c.Status)
	assert.False(t, c.CreatedAt.IsZero())

	got, err := s.GetCard(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DialogueID)
}

func TestCardIndexCarriesLatestVersionSummary(t *testing.T) {
	s, _ := openTestStore(t)

	c := &ResultCard{
		DialogueID: "d1",
		Mode:       "meal",
		Status:     StatusDraft,
		Versions: []CardVersion{
			{Summary: "first pass", Payload: json.RawMessage(`{"kcal":500}`)},
			{Summary: "second pass", Payload: json.RawMessage(`{"kcal":520}`)},
		},
	}
	require.NoError(t, s.SaveCard(c))

	cards, err := s.RecentCards(0)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "second pass", cards[0].Summary)
	assert.Equal(t, StatusDraft, cards[0].Status)
}

func TestIndexSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "u1")
	require.NoError(t, err)
	d, err := s.CreateDialogue("persisted")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(root, "u1")
	require.NoError(t, err)
	defer reopened.Close()

	list, err := reopened.ListDialogues(0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, d.ID, list[0].ID)
	assert.Equal(t, "persisted", list[0].Title)
}

func TestIndexRebuiltFromDocumentsWhenCorrupt(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "u1")
	require.NoError(t, err)
	d1, err := s.CreateDialogue("one")
	require.NoError(t, err)
	d2, err := s.CreateDialogue("two")
	require.NoError(t, err)
	c := &ResultCard{DialogueID: d1.ID, Mode: "meal", Status: StatusSaved}
	require.NoError(t, s.SaveCard(c))
	require.NoError(t, s.Close())

	// Corrupt one mirror, delete the other.
	dialogueIndex := filepath.Join(root, "u1", "dialogues", "index.json")
	require.NoError(t, os.WriteFile(dialogueIndex, []byte("{corrupt"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(root, "u1", "cards", "index.json")))

	reopened, err := Open(root, "u1")
	require.NoError(t, err)
	defer reopened.Close()

	list, err := reopened.ListDialogues(0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	_ = d2

	cards, err := reopened.RecentCards(0)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, c.ID, cards[0].ID)

	// The rebuilt mirrors were persisted immediately.
	data, err := os.ReadFile(dialogueIndex)
	require.NoError(t, err)
	var df dialogueIndexFile
	require.NoError(t, json.Unmarshal(data, &df))
	assert.Len(t, df.Entries, 2)
}

func TestRebuildSkipsCorruptDocuments(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "u1")
	require.NoError(t, err)
	_, err = s.CreateDialogue("good")
	require.NoError(t, err)

	// A corrupt stray document must not break the rebuild.
	require.NoError(t, os.WriteFile(filepath.Join(root, "u1", "dialogues", "stray.json"), []byte("???"), 0o644))

	dialogues, cards, err := s.VerifyAndRepair()
	require.NoError(t, err)
	assert.Equal(t, 1, dialogues)
	assert.Equal(t, 0, cards)
	require.NoError(t, s.Close())
}

func TestVerifyAndRepairPicksUpExternalDocuments(t *testing.T) {
	s, root := openTestStore(t)
	_, err := s.CreateDialogue("mine")
	require.NoError(t, err)

	// Drop a document in from outside the store.
	external := Dialogue{ID: "ext-1", Title: "imported", UpdatedAt: time.Now()}
	data, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "u1", "dialogues", "ext-1.json"), data, 0o644))

	dialogues, _, err := s.VerifyAndRepair()
	require.NoError(t, err)
	assert.Equal(t, 2, dialogues)

	list, err := s.ListDialogues(0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestWatcherMarksExternalChanges(t *testing.T) {
	s, root := openTestStore(t)
	require.NoError(t, s.Watch())

	external := Dialogue{ID: "ext-w", Title: "watched", UpdatedAt: time.Now()}
	data, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "u1", "dialogues", "ext-w.json"), data, 0o644))

	require.Eventually(t, func() bool {
		list, err := s.ListDialogues(0, 0)
		if err != nil {
			return false
		}
		for _, e := range list {
			if e.ID == "ext-w" {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond)
}
