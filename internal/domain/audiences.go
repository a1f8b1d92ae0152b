package domain

import "strings"

// SplitAudiences turns a delimited audience list into distinct names in
// first-seen order. Commas, semicolons, pipes and newlines all separate
// entries; duplicates are detected case-insensitively.
func SplitAudiences(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '|', '\n', '\r':
			return true
		}
		return false
	})

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		name := ReferenceValue(field)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}
