package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertProductLabelReplacesByKey(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.UpsertProductLabel("u1", ProductLabel{
		Brand: "Acme", Name: "Granola", Variant: "Honey",
		Per100g: Nutrients{EnergyKcal: 450},
	}))
	require.NoError(t, svc.UpsertProductLabel("u1", ProductLabel{
		Brand: "Acme", Name: "Granola", Variant: "Plain",
		Per100g: Nutrients{EnergyKcal: 420},
	}))
	// Same key as the first label: full replacement.
	require.NoError(t, svc.UpsertProductLabel("u1", ProductLabel{
		Brand: "Acme", Name: "Granola", Variant: "Honey",
		Per100g: Nutrients{EnergyKcal: 460, Protein: 10},
	}))

	labels, err := svc.ProductLibrary("u1", 0)
	require.NoError(t, err)
	require.Len(t, labels, 2)

	var honey *ProductLabel
	for i := range labels {
		if labels[i].Variant == "Honey" {
			honey = &labels[i]
		}
	}
	require.NotNil(t, honey)
	assert.InDelta(t, 460, float64(honey.Per100g.EnergyKcal), 0.0001)
	assert.InDelta(t, 10, float64(honey.Per100g.Protein), 0.0001)
}

func TestArchiveDishNormalizesPer100g(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.ArchiveDish("u1", Dish{
		Name:        "fried rice",
		WeightGrams: 250,
		EnergyKcal:  400,
		Protein:     20,
		Fat:         10,
		Carbs:       55,
	}))

	entries, err := svc.DishLibrary("u1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "fried rice", e.Name)
	assert.InDelta(t, 160, float64(e.Per100g.EnergyKcal), 0.0001)
	assert.InDelta(t, 8, float64(e.Per100g.Protein), 0.0001)
	assert.InDelta(t, 4, float64(e.Per100g.Fat), 0.0001)
	assert.InDelta(t, 22, float64(e.Per100g.Carbs), 0.0001)
}

func TestArchiveDishSkipsZeroWeight(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.ArchiveDish("u1", Dish{Name: "mystery", WeightGrams: 0, EnergyKcal: 100}))

	entries, err := svc.DishLibrary("u1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDietWriteFeedsLibraries(t *testing.T) {
	svc := newTestService(t)

	rec := &EventRecord{
		RecordID:   "r1",
		OccurredAt: ts(2024, 6, 1, 12, 0),
		Dishes: []Dish{
			{Name: "salad", WeightGrams: 150, EnergyKcal: 90, Protein: 3, Fat: 5, Carbs: 8},
			// Label-sourced: reserved for packaged-food matching, never archived.
			{Name: "protein bar", WeightGrams: 60, EnergyKcal: 230, IngredientSource: SourceLabel},
		},
		CapturedLabels: []ProductLabel{
			{Brand: "FitCo", Name: "Protein Bar", Variant: "Choc", Per100g: Nutrients{EnergyKcal: 380}},
		},
	}
	require.NoError(t, svc.SaveDietRecord("u1", rec))

	dishes, err := svc.DishLibrary("u1", 0)
	require.NoError(t, err)
	require.Len(t, dishes, 1)
	assert.Equal(t, "salad", dishes[0].Name)

	labels, err := svc.ProductLibrary("u1", 0)
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, "FitCo", labels[0].Brand)
}

func TestProductLibraryRecentFirst(t *testing.T) {
	svc := newTestService(t)

	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	svc.now = func() time.Time { return clock }

	require.NoError(t, svc.UpsertProductLabel("u1", ProductLabel{Brand: "A", Name: "first"}))
	clock = base.Add(time.Minute)
	require.NoError(t, svc.UpsertProductLabel("u1", ProductLabel{Brand: "B", Name: "second"}))

	labels, err := svc.ProductLibrary("u1", 1)
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, "second", labels[0].Name)
}
