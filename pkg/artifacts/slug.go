package artifacts

import "strings"

// Slugify converts a display name into a filesystem-safe slug. Slash
// separators survive so a name can address nested directories; within each
// segment, letters are lowercased, spaces and underscores become dashes, and
// everything outside [a-z0-9-] is dropped.
func Slugify(name string) string {
	segments := strings.Split(name, "/")
	out := make([]string, 0, len(segments))
	for _, segment := range segments {
		if s := slugSegment(segment); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "/")
}

func slugSegment(segment string) string {
	segment = strings.ToLower(strings.TrimSpace(segment))

	var b strings.Builder
	dashed := false
	for _, r := range segment {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dashed = false
		case r == ' ' || r == '_' || r == '-':
			// collapse runs of separators into a single dash
			if !dashed && b.Len() > 0 {
				b.WriteByte('-')
				dashed = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
