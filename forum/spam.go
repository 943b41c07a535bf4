package forum

import (
	"context"
	"strings"
	"unicode"

	"cdr.dev/slog/v3"
)

type verdict struct {
	BannedIP bool
	Flagged  []string
}

// screen checks content against the banned IP and word lists. Lookups that
// fail are logged and treated as clean so a database hiccup never blocks a
// legitimate poster.
func (h *Handlers) screen(ctx context.Context, ip, text string) verdict {
	var v verdict
	if ip != "" {
		banned, err := h.db.IsIPBanned(ctx, ip)
		if err != nil {
			h.logger.Warn(ctx, "banned ip lookup failed, allowing", slog.F("ip", ip), slog.Error(err))
		}
		v.BannedIP = banned && err == nil
	}
	words, err := h.db.BannedWords(ctx)
	if err != nil {
		h.logger.Warn(ctx, "banned word lookup failed, allowing", slog.Error(err))
		return v
	}
	v.Flagged = matchBannedWords(text, words)
	return v
}

// matchBannedWords returns the banned entries present in text. Single words
// match whole words only; entries containing spaces match as phrases.
func matchBannedWords(text string, banned []string) []string {
	if len(banned) == 0 {
		return nil
	}
	lower := strings.ToLower(text)
	tokens := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[tok] = struct{}{}
	}
	var hits []string
	for _, w := range banned {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if strings.ContainsAny(w, " \t") {
			if strings.Contains(lower, w) {
				hits = append(hits, w)
			}
			continue
		}
		if _, ok := tokens[w]; ok {
			hits = append(hits, w)
		}
	}
	return hits
}
