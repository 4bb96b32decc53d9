package policy

import "strings"

// DetectCategory resolves a phase's category. Explicit metadata always wins
// when provided; otherwise keyword heuristics over the free-text description
// are tried, then the default category.
func (d *Document) DetectCategory(explicit, description string) (string, error) {
	if explicit != "" {
		if _, ok := d.Categories[explicit]; ok {
			return explicit, nil
		}
		// Declared but unknown categories still fall through to the default,
		// so a typo in phase metadata is caught at compile time if no default
		// exists.
		if d.DefaultCategory != "" {
			return d.DefaultCategory, nil
		}
		return "", &unknownCategoryError{explicit}
	}

	desc := strings.ToLower(description)
	if desc != "" {
		bestName := ""
		bestHits := 0
		for _, name := range d.CategoryNames() {
			cat := d.Categories[name]
			hits := 0
			for _, kw := range cat.Keywords {
				if strings.Contains(desc, strings.ToLower(kw)) {
					hits++
				}
			}
			if hits > bestHits {
				bestHits = hits
				bestName = name
			}
		}
		if bestName != "" {
			return bestName, nil
		}
	}

	if d.DefaultCategory != "" {
		return d.DefaultCategory, nil
	}
	return "", &unknownCategoryError{explicit}
}

type unknownCategoryError struct {
	name string
}

func (e *unknownCategoryError) Error() string {
	if e.name == "" {
		return "no category could be detected and no default is configured"
	}
	return "unknown category " + e.name + " and no default is configured"
}
