package jobs

import (
	"sort"
	"strings"

	"github.com/kalambet/tripseed/internal/storage"
)

// FillTemplate replaces every %KEY% placeholder in template with values[KEY].
// Placeholders without a value are left in place.
func FillTemplate(template string, values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "%"+k+"%", values[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// placeValues returns the template values describing a place.
func placeValues(p storage.Place) map[string]string {
	switch p.Kind {
	case storage.KindCountry:
		return map[string]string{"COUNTRY": p.Name}
	case storage.KindCity:
		return map[string]string{"COUNTRY": p.Parent, "CITY": p.Name}
	}
	return nil
}
