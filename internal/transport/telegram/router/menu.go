package router

import (
	"sort"
	"strings"
	"unicode"

	kit "gatebot/internal/transport"
)

// sanitizeCommand converts a name into a Telegram bot command, which is
// restricted to [a-z0-9_]{1,32}.
func sanitizeCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// buildMenuCommands lists public commands first, then admin ones marked with
// a lock, each sorted by name. Telegram accepts at most 100 entries.
func buildMenuCommands(cmds []Command) []kit.BotCommand {
	type entry struct {
		cmd   string
		desc  string
		admin bool
	}
	seen := map[string]bool{}
	entries := make([]entry, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		if c.Access == AccessAdmin {
			desc = "🔒 " + desc
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		entries = append(entries, entry{cmd: name, desc: desc, admin: c.Access == AccessAdmin})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].admin != entries[j].admin {
			return !entries[i].admin
		}
		return entries[i].cmd < entries[j].cmd
	})
	out := make([]kit.BotCommand, 0, min(len(entries), 100))
	for _, e := range entries {
		if len(out) == 100 {
			break
		}
		out = append(out, kit.BotCommand{Command: e.cmd, Description: e.desc})
	}
	return out
}
