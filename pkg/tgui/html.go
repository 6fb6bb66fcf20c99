package tgui

import (
	"html"
	"strconv"
)

// H is HTML already escaped for ParseMode "HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes user-supplied text such as names and error messages.
func Esc(s string) H { return H(html.EscapeString(s)) }

func B(s string) H    { return "<b>" + Esc(s) + "</b>" }
func Code(s string) H { return "<code>" + Esc(s) + "</code>" }

// ID renders a chat or user id as monospace so operators can copy it.
func ID(id int64) H { return Code(strconv.FormatInt(id, 10)) }

// Err renders err's message as monospace; nil renders nothing.
func Err(err error) H {
	if err == nil {
		return ""
	}
	return Code(err.Error())
}

// User renders "user id <id> (name)" for operator log lines. An empty name
// falls back to the bare id; long names are cut.
func User(name string, id int64) H {
	if name == "" {
		return "user id " + ID(id)
	}
	return "user id " + ID(id) + " (" + Esc(TruncRunes(name, maxNameRunes)) + ")"
}
