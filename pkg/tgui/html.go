package tgui

import (
	"html"
	"strings"
)

// H is HTML that is already escaped for Telegram's HTML parse mode.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Lines joins parts with newlines, skipping blank ones.
func Lines(parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, "\n"))
}
