package record

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"
)

// Event type discriminators.
const (
	EventDiet  = "diet"
	EventScale = "scale"
	EventSleep = "sleep"
	EventGirth = "girth"
)

// KeepEventTypes lists the body-metric event types sharded per month.
var KeepEventTypes = []string{EventScale, EventSleep, EventGirth}

// Ingredient sources for a dish.
const (
	SourceEstimate = "estimate"
	SourceLabel    = "label"
)

// LooseFloat is a float64 that decodes garbage to zero instead of
// failing the whole record. Upstream producers occasionally emit numbers
// as strings or leave fields null; availability wins over strict
// validation here, but every coercion is logged so the behavior stays
// visible.
type LooseFloat float64

func (f *LooseFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				*f = LooseFloat(v)
				return nil
			}
		}
		recordLog.Warn("numeric_coerced_to_zero", slog.String("raw", string(data)))
		*f = 0
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		recordLog.Warn("numeric_coerced_to_zero", slog.String("raw", string(data)))
		*f = 0
		return nil
	}
	*f = LooseFloat(v)
	return nil
}

// Nutrients holds per-100g macro-nutrient values.
type Nutrients struct {
	EnergyKcal LooseFloat `json:"energy_kcal"`
	Protein    LooseFloat `json:"protein_g"`
	Fat        LooseFloat `json:"fat_g"`
	Carbs      LooseFloat `json:"carbs_g"`
}

// EnergyFromMacros recomputes energy (kcal) from macros using Atwater
// factors, rather than trusting a stored energy value.
func EnergyFromMacros(proteinG, fatG, carbsG float64) float64 {
	return proteinG*4 + carbsG*4 + fatG*9
}

// Dish is one analyzed dish within a diet record. Macro fields are
// totals for the dish, not per-100g.
type Dish struct {
	Name             string     `json:"name"`
	WeightGrams      LooseFloat `json:"weight_grams"`
	EnergyKcal       LooseFloat `json:"energy_kcal"`
	Protein          LooseFloat `json:"protein_g"`
	Fat              LooseFloat `json:"fat_g"`
	Carbs            LooseFloat `json:"carbs_g"`
	IngredientSource string     `json:"ingredient_source,omitempty"`
}

// ProductLabel is a packaged-food nutrition label captured from a scan.
type ProductLabel struct {
	Brand     string    `json:"brand"`
	Name      string    `json:"name"`
	Variant   string    `json:"variant,omitempty"`
	Per100g   Nutrients `json:"per_100g"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Key returns the identity of a label in the product library. Any new
// label with the same key fully replaces the old one.
func (p ProductLabel) Key() string {
	return p.Brand + "\x00" + p.Name + "\x00" + p.Variant
}

// DishEntry is a per-100g normalized dish archived into the dish
// library for later recommendation.
type DishEntry struct {
	Name       string    `json:"name"`
	Per100g    Nutrients `json:"per_100g"`
	ArchivedAt time.Time `json:"archived_at,omitzero"`
}

// EventRecord is one diet or body-metric event persisted as a single
// JSONL line inside a shard.
type EventRecord struct {
	// RecordID is the stable dedup identity; derived from image hashes
	// and write time when the caller does not supply one.
	RecordID  string `json:"record_id"`
	EventType string `json:"event_type"`

	// CreatedAt is the write time, immutable once set. UpdatedAt is
	// stamped when a dedup match replaces the record in place.
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`

	// OccurredAt is the business time. Records persisted without it
	// still live in their shard but are invisible to range queries.
	OccurredAt *time.Time `json:"occurred_at,omitempty"`

	// ImageHashes are content fingerprints of the source photos; exact
	// set equality identifies re-submissions of the same physical event.
	ImageHashes []string `json:"image_hashes,omitempty"`

	// Diet payload.
	Dishes         []Dish         `json:"dishes,omitempty"`
	CapturedLabels []ProductLabel `json:"captured_labels,omitempty"`
	MealSummary    string         `json:"meal_summary,omitempty"`
	MealType       string         `json:"meal_type,omitempty"`

	// Keep payload (weight_kg, sleep_hours, waist_cm, ...).
	Metrics map[string]LooseFloat `json:"metrics,omitempty"`

	// SourceDate is stamped at read time with the day of the ledger
	// shard the record was found in; it is never persisted.
	SourceDate string `json:"_source_date,omitempty"`
}

// StampCreated sets CreatedAt if unset; called by the log store on append.
func (r *EventRecord) StampCreated(now time.Time) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
}

// SameImageSet reports whether both records carry the same non-empty
// image hash set, ignoring order.
func (r *EventRecord) SameImageSet(other *EventRecord) bool {
	if len(r.ImageHashes) == 0 || len(r.ImageHashes) != len(other.ImageHashes) {
		return false
	}
	seen := make(map[string]struct{}, len(r.ImageHashes))
	for _, h := range r.ImageHashes {
		seen[h] = struct{}{}
	}
	for _, h := range other.ImageHashes {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}
