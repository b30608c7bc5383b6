package record

import (
	"log/slog"

	"github.com/mealtrace/mealtrace/internal/store"
)

// Library dataset names under the diet category.
const (
	ProductLibraryName = "product_library"
	DishLibraryName    = "dish_library"
)

// UpsertProductLabel writes a captured label into the user's product
// library. A label with the same (brand, name, variant) key fully
// replaces the previous one.
func (s *Service) UpsertProductLabel(user string, label ProductLabel) error {
	label.UpdatedAt = s.now()

	labels, err := store.LoadDataset[ProductLabel](s.store, user, CategoryDiet, ProductLibraryName)
	if err != nil {
		return err
	}
	for i := range labels {
		if labels[i].Key() == label.Key() {
			labels[i] = label
			return store.WriteDataset(s.store, user, CategoryDiet, ProductLibraryName, labels)
		}
	}
	return store.Append(s.store, user, CategoryDiet, ProductLibraryName, &label)
}

// ArchiveDish normalizes a dish to per-100g macros and appends it to the
// dish library. Zero-weight dishes are never archived.
func (s *Service) ArchiveDish(user string, dish Dish) error {
	weight := float64(dish.WeightGrams)
	if weight <= 0 {
		recordLog.Debug("dish_not_archived", slog.String("name", dish.Name), slog.Float64("weight", weight))
		return nil
	}
	scale := 100 / weight
	entry := &DishEntry{
		Name: dish.Name,
		Per100g: Nutrients{
			EnergyKcal: LooseFloat(float64(dish.EnergyKcal) * scale),
			Protein:    LooseFloat(float64(dish.Protein) * scale),
			Fat:        LooseFloat(float64(dish.Fat) * scale),
			Carbs:      LooseFloat(float64(dish.Carbs) * scale),
		},
		ArchivedAt: s.now(),
	}
	return store.Append(s.store, user, CategoryDiet, DishLibraryName, entry)
}

// ProductLibrary returns up to limit labels, most recently written
// first.
func (s *Service) ProductLibrary(user string, limit int) ([]ProductLabel, error) {
	return store.ReadDataset[ProductLabel](s.store, user, CategoryDiet, ProductLibraryName, limit)
}

// DishLibrary returns up to limit archived dish entries, most recently
// archived first.
func (s *Service) DishLibrary(user string, limit int) ([]DishEntry, error) {
	return store.ReadDataset[DishEntry](s.store, user, CategoryDiet, DishLibraryName, limit)
}
