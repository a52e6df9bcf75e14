package lifecycle

import (
	"hash/fnv"
	"strings"
)

// SanitizeHostLabel lowers a username into a valid DNS label:
// lowercase alphanumerics and hyphens, no leading or trailing hyphen,
// at most 63 characters.
func SanitizeHostLabel(username string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(username) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == ' ':
			b.WriteByte('-')
		}
	}
	label := strings.Trim(b.String(), "-")
	for strings.Contains(label, "--") {
		label = strings.ReplaceAll(label, "--", "-")
	}
	if len(label) > 63 {
		label = strings.Trim(label[:63], "-")
	}
	if label == "" {
		label = "user"
	}
	return label
}

// rulePriority derives a stable listener rule priority from the user
// id. Priorities must be unique per listener; hashing into a wide
// range keeps collisions rare and retries deterministic.
func rulePriority(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32()%40000) + 2
}
