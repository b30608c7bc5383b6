package search

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/mealtrace/mealtrace/internal/dialogue"
	"github.com/mealtrace/mealtrace/internal/logging"
	"github.com/mealtrace/mealtrace/internal/record"
)

var searchLog = logging.ForComponent(logging.CompSearch)

// Options bounds the in-memory library caches.
type Options struct {
	RecentProducts int
	RecentDishes   int
}

// DefaultOptions matches the config defaults.
func DefaultOptions() Options {
	return Options{RecentProducts: 200, RecentDishes: 200}
}

// Index answers approximate text queries over products, dishes, cards,
// and dialogues without touching disk on the query path. Library caches
// are loaded lazily and refreshed explicitly; card and dialogue lookups
// ride on the dialogue store's in-memory index.
type Index struct {
	records   *record.Service
	dialogues *dialogue.Store
	user      string
	opts      Options

	mu       sync.Mutex
	phonetic phoneticCache
	products []record.ProductLabel
	dishes   []record.DishEntry
	loaded   bool
}

// New returns an index for one user's data.
func New(records *record.Service, dialogues *dialogue.Store, user string, opts Options) *Index {
	if opts.RecentProducts <= 0 {
		opts.RecentProducts = DefaultOptions().RecentProducts
	}
	if opts.RecentDishes <= 0 {
		opts.RecentDishes = DefaultOptions().RecentDishes
	}
	return &Index{
		records:   records,
		dialogues: dialogues,
		user:      user,
		opts:      opts,
		phonetic:  make(phoneticCache),
	}
}

// Refresh reloads the product and dish library caches from storage.
func (ix *Index) Refresh() error {
	products, err := ix.records.ProductLibrary(ix.user, ix.opts.RecentProducts)
	if err != nil {
		return err
	}
	dishes, err := ix.records.DishLibrary(ix.user, ix.opts.RecentDishes)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	ix.products = products
	ix.dishes = dishes
	ix.loaded = true
	ix.mu.Unlock()
	searchLog.Debug("library_cache_refreshed")
	return nil
}

func (ix *Index) ensureLoaded() error {
	ix.mu.Lock()
	loaded := ix.loaded
	ix.mu.Unlock()
	if loaded {
		return nil
	}
	return ix.Refresh()
}

// SearchProducts returns library labels matching the query, deduplicated
// by (brand, name, variant) keeping only the most recently written
// instance, ordered by relevance.
func (ix *Index) SearchProducts(query string, limit int) ([]record.ProductLabel, error) {
	if err := ix.ensureLoaded(); err != nil {
		return nil, err
	}
	tokens := tokenize(query)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	seen := make(map[string]struct{})
	var matched []record.ProductLabel
	// Cache order is most recent first, so the first instance of a key
	// wins the dedup.
	for _, label := range ix.products {
		if _, dup := seen[label.Key()]; dup {
			continue
		}
		seen[label.Key()] = struct{}{}
		text := strings.TrimSpace(label.Brand + " " + label.Name + " " + label.Variant)
		if !ix.phonetic.matches(text, tokens) {
			continue
		}
		matched = append(matched, label)
	}

	rankByRelevance(query, matched, func(l record.ProductLabel) string {
		return l.Brand + " " + l.Name + " " + l.Variant
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// DishSuggestion is an aggregated view over every archived instance of
// one dish name.
type DishSuggestion struct {
	Name         string           `json:"name"`
	Per100g      record.Nutrients `json:"per_100g"`
	Count        int              `json:"count"`
	LastArchived time.Time        `json:"last_archived,omitzero"`
}

// SearchDishes returns dish suggestions matching the query, aggregated
// by name with nutritional fields averaged across the group. Energy is
// recomputed from the averaged macros rather than trusted from storage.
func (ix *Index) SearchDishes(query string, limit int) ([]DishSuggestion, error) {
	if err := ix.ensureLoaded(); err != nil {
		return nil, err
	}
	tokens := tokenize(query)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	type group struct {
		sum   record.Nutrients
		count int
		last  time.Time
	}
	groups := make(map[string]*group)
	var order []string
	for _, entry := range ix.dishes {
		if !ix.phonetic.matches(entry.Name, tokens) {
			continue
		}
		g, ok := groups[entry.Name]
		if !ok {
			g = &group{}
			groups[entry.Name] = g
			order = append(order, entry.Name)
		}
		g.sum.Protein += entry.Per100g.Protein
		g.sum.Fat += entry.Per100g.Fat
		g.sum.Carbs += entry.Per100g.Carbs
		g.count++
		if entry.ArchivedAt.After(g.last) {
			g.last = entry.ArchivedAt
		}
	}

	out := make([]DishSuggestion, 0, len(groups))
	for _, name := range order {
		g := groups[name]
		n := float64(g.count)
		avg := record.Nutrients{
			Protein: g.sum.Protein / record.LooseFloat(n),
			Fat:     g.sum.Fat / record.LooseFloat(n),
			Carbs:   g.sum.Carbs / record.LooseFloat(n),
		}
		avg.EnergyKcal = record.LooseFloat(record.EnergyFromMacros(
			float64(avg.Protein), float64(avg.Fat), float64(avg.Carbs)))
		out = append(out, DishSuggestion{
			Name:         name,
			Per100g:      avg,
			Count:        g.count,
			LastArchived: g.last,
		})
	}

	rankByRelevance(query, out, func(d DishSuggestion) string { return d.Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SearchCards matches the query against the card index (mode, status,
// latest version summary), most relevant first.
func (ix *Index) SearchCards(query string, limit int) ([]dialogue.CardSummary, error) {
	summaries, err := ix.dialogues.CardSummaries()
	if err != nil {
		return nil, err
	}
	tokens := tokenize(query)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	var matched []dialogue.CardSummary
	for _, c := range summaries {
		text := c.Mode + " " + string(c.Status) + " " + c.Summary
		if !ix.phonetic.matches(text, tokens) {
			continue
		}
		matched = append(matched, c)
	}
	rankByRelevance(query, matched, func(c dialogue.CardSummary) string {
		return c.Mode + " " + c.Summary
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// SearchDialogues matches the query against dialogue titles, most
// relevant first.
func (ix *Index) SearchDialogues(query string, limit int) ([]dialogue.DialogueSummary, error) {
	summaries, err := ix.dialogues.DialogueSummaries()
	if err != nil {
		return nil, err
	}
	tokens := tokenize(query)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	var matched []dialogue.DialogueSummary
	for _, d := range summaries {
		if !ix.phonetic.matches(d.Title, tokens) {
			continue
		}
		matched = append(matched, d)
	}
	rankByRelevance(query, matched, func(d dialogue.DialogueSummary) string { return d.Title })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// rankByRelevance reorders matched candidates by fuzzy score against the
// query. Candidates the scorer does not reach (e.g. phonetic-only
// matches) keep their incoming recency order behind the scored ones.
func rankByRelevance[T any](query string, items []T, text func(T) string) {
	if strings.TrimSpace(query) == "" || len(items) < 2 {
		return
	}
	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = text(item)
	}
	scores := make(map[int]int, len(items))
	for _, m := range fuzzy.Find(query, texts) {
		scores[m.Index] = m.Score
	}
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		sa, oka := scores[idx[a]]
		sb, okb := scores[idx[b]]
		if oka != okb {
			return oka
		}
		return sa > sb
	})
	reordered := make([]T, len(items))
	for i, j := range idx {
		reordered[i] = items[j]
	}
	copy(items, reordered)
}
