package tgui

// maxNameRunes keeps display names from swamping a log line.
const maxNameRunes = 64

// TruncRunes cuts s to n runes, marking the cut with "…".
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + "…"
		}
		seen++
	}
	return s
}
