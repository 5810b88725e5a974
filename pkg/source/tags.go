package source

import (
	"regexp"
	"sort"
	"strings"
)

// capabilityTag matches `capability: a, b` and `@capability a`.
var capabilityTag = regexp.MustCompile(`(?i)(?:@capability\s+|\bcapability:\s*)([A-Za-z0-9_.\-]+(?:\s*,\s*[A-Za-z0-9_.\-]+)*)`)

// ExtractCapabilities returns the sorted, de-duplicated capability keys
// tagged in a comment or docstring.
func ExtractCapabilities(text string) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]struct{})
	for _, m := range capabilityTag.FindAllStringSubmatch(text, -1) {
		for _, key := range strings.Split(m[1], ",") {
			key = strings.TrimSpace(key)
			if key != "" {
				seen[key] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
