package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mealtrace/mealtrace/internal/logging"
	"github.com/mealtrace/mealtrace/internal/store"
)

var recordLog = logging.ForComponent(logging.CompRecord)

// Storage categories under a user's data tree.
const (
	CategoryDiet = "diet"
	CategoryKeep = "keep"
)

// shardReaders bounds how many shards a range query reads concurrently.
const shardReaders = 8

// Service is the idempotent ingestion and range-query layer for diet and
// body-metric events.
type Service struct {
	store *store.LogStore
	now   func() time.Time
}

// NewService returns a Service over the given log store.
func NewService(ls *store.LogStore) *Service {
	return &Service{store: ls, now: time.Now}
}

// Store exposes the underlying log store (used by the search index and
// the CLI).
func (s *Service) Store() *store.LogStore {
	return s.store
}

// DietShardName returns the daily shard name for a business date.
func DietShardName(day time.Time) string {
	return "ledger_" + day.Format("2006-01-02")
}

// KeepShardName returns the monthly shard name for a keep event type.
func KeepShardName(eventType string, month time.Time) string {
	return eventType + "_" + month.Format("2006_01")
}

// deriveRecordID builds a stable id from the sorted image hashes plus
// the wall clock, truncated to a short hex digest.
func deriveRecordID(imageHashes []string, now time.Time) string {
	sorted := make([]string, len(imageHashes))
	copy(sorted, imageHashes)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",") + now.Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:12]
}

// SaveDietRecord persists a diet event into its daily shard, collapsing
// re-submissions by record id or image-hash identity, then feeds the
// product and dish libraries.
func (s *Service) SaveDietRecord(user string, rec *EventRecord) error {
	now := s.now()
	rec.EventType = EventDiet
	if rec.OccurredAt == nil {
		rec.OccurredAt = &now
	}
	if rec.RecordID == "" {
		rec.RecordID = deriveRecordID(rec.ImageHashes, now)
	}

	shard := DietShardName(*rec.OccurredAt)
	if err := s.upsertIntoShard(user, CategoryDiet, shard, rec, now); err != nil {
		return err
	}

	for _, label := range rec.CapturedLabels {
		if err := s.UpsertProductLabel(user, label); err != nil {
			return fmt.Errorf("upsert product label: %w", err)
		}
	}
	for _, dish := range rec.Dishes {
		if dish.IngredientSource == SourceLabel {
			// Label-sourced dishes are reserved for packaged-food
			// matching, not freeform recommendation.
			continue
		}
		if err := s.ArchiveDish(user, dish); err != nil {
			return fmt.Errorf("archive dish: %w", err)
		}
	}
	return nil
}

// SaveKeepEvent persists a body-metric event into the monthly shard for
// its event type, with the same dedup semantics as diet writes.
func (s *Service) SaveKeepEvent(user string, rec *EventRecord) error {
	valid := false
	for _, t := range KeepEventTypes {
		if rec.EventType == t {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown keep event type %q", rec.EventType)
	}

	now := s.now()
	if rec.OccurredAt == nil {
		rec.OccurredAt = &now
	}
	if rec.RecordID == "" {
		rec.RecordID = deriveRecordID(rec.ImageHashes, now)
	}

	shard := KeepShardName(rec.EventType, *rec.OccurredAt)
	return s.upsertIntoShard(user, CategoryKeep, shard, rec, now)
}

// upsertIntoShard scans the shard oldest to newest for a record matching
// by id first, then by exact image-hash set. A match is replaced in
// place, keeping its original created_at; otherwise the record is
// appended.
func (s *Service) upsertIntoShard(user, category, shard string, rec *EventRecord, now time.Time) error {
	records, err := store.LoadDataset[EventRecord](s.store, user, category, shard)
	if err != nil {
		return err
	}

	match := -1
	for i := range records {
		if records[i].RecordID == rec.RecordID {
			match = i
			break
		}
	}
	if match < 0 {
		for i := range records {
			if records[i].SameImageSet(rec) {
				match = i
				break
			}
		}
	}

	if match < 0 {
		return store.Append(s.store, user, category, shard, rec)
	}

	rec.CreatedAt = records[match].CreatedAt
	rec.UpdatedAt = now
	records[match] = *rec
	recordLog.Debug("record_replaced",
		slog.String("user", user),
		slog.String("shard", shard),
		slog.String("record_id", rec.RecordID),
	)
	return store.WriteDataset(s.store, user, category, shard, records)
}

// RecentDietRecords returns up to limit records from one daily shard in
// reverse write order (most recently appended first).
func (s *Service) RecentDietRecords(user string, day time.Time, limit int) ([]EventRecord, error) {
	return store.ReadDataset[EventRecord](s.store, user, CategoryDiet, DietShardName(day), limit)
}

// DietRecordsRange returns diet records with occurred_at in the
// half-open interval [start, end), ascending by business time.
func (s *Service) DietRecordsRange(user string, start, end time.Time) ([]EventRecord, error) {
	type shardRef struct{ name, sourceDate string }
	var shards []shardRef
	startDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	for day := startDay; !day.After(end); day = day.AddDate(0, 0, 1) {
		shards = append(shards, shardRef{DietShardName(day), day.Format("2006-01-02")})
	}

	results := make([][]EventRecord, len(shards))
	var g errgroup.Group
	g.SetLimit(shardReaders)
	for i, ref := range shards {
		i, ref := i, ref
		g.Go(func() error {
			records, err := store.LoadDataset[EventRecord](s.store, user, CategoryDiet, ref.name)
			if err != nil {
				return err
			}
			for j := range records {
				records[j].SourceDate = ref.sourceDate
			}
			results[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []EventRecord
	for _, records := range results {
		out = append(out, filterRange(records, start, end)...)
	}
	sortByBusinessTime(out)
	return out, nil
}

// KeepEventsRange returns keep events of one type with occurred_at in
// [start, end), ascending by business time.
func (s *Service) KeepEventsRange(user, eventType string, start, end time.Time) ([]EventRecord, error) {
	records, err := s.readKeepRecordsForPeriod(user, eventType, start, end)
	if err != nil {
		return nil, err
	}
	sortByBusinessTime(records)
	return records, nil
}

// UnifiedRecordsRange merges diet and all keep categories into one
// chronological sequence ascending by business time. The sort is stable
// over the union of all shards touched; same-timestamp records keep
// shard-read order.
func (s *Service) UnifiedRecordsRange(user string, start, end time.Time) ([]EventRecord, error) {
	out, err := s.DietRecordsRange(user, start, end)
	if err != nil {
		return nil, err
	}
	for _, eventType := range KeepEventTypes {
		records, err := s.readKeepRecordsForPeriod(user, eventType, start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	sortByBusinessTime(out)
	return out, nil
}

// readKeepRecordsForPeriod reads every monthly shard touched by the
// range and filters by occurred_at, preserving shard-read order.
func (s *Service) readKeepRecordsForPeriod(user, eventType string, start, end time.Time) ([]EventRecord, error) {
	var shards []string
	startMonth := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, start.Location())
	endMonth := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, end.Location())
	for m := startMonth; !m.After(endMonth); m = m.AddDate(0, 1, 0) {
		shards = append(shards, KeepShardName(eventType, m))
	}

	results := make([][]EventRecord, len(shards))
	var g errgroup.Group
	g.SetLimit(shardReaders)
	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			records, err := store.LoadDataset[EventRecord](s.store, user, CategoryKeep, shard)
			if err != nil {
				return err
			}
			results[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []EventRecord
	for _, records := range results {
		out = append(out, filterRange(records, start, end)...)
	}
	return out, nil
}

// filterRange keeps records whose occurred_at lies in [start, end).
// Records lacking occurred_at cannot be placed in time and are excluded,
// though they still exist in the raw shard.
func filterRange(records []EventRecord, start, end time.Time) []EventRecord {
	var out []EventRecord
	for _, rec := range records {
		if rec.OccurredAt == nil {
			continue
		}
		t := *rec.OccurredAt
		if t.Before(start) || !t.Before(end) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func sortByBusinessTime(records []EventRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].OccurredAt.Before(*records[j].OccurredAt)
	})
}
