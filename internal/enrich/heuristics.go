package enrich

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldText lower-cases s, strips diacritics and replaces every run of
// non-alphanumerics with a single space.
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}

func tokens(s string) []string {
	return strings.Fields(foldText(s))
}

// overlap is |a ∩ b| / max(|a|, |b|) over distinct tokens.
func overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	seen := make(map[string]bool, len(b))
	shared := 0
	for _, t := range b {
		if set[t] && !seen[t] {
			shared++
		}
		seen[t] = true
	}
	return float64(shared) / float64(max(len(set), len(seen)))
}

// titleScore rates how well a candidate title matches the expected one:
// 4 exact, 3 containment or ≥80% token overlap, 2 for ≥60%, else 0.
func titleScore(expected, candidate string) int {
	e, c := foldText(expected), foldText(candidate)
	if e == "" || c == "" {
		return 0
	}
	if e == c || strings.ReplaceAll(e, " ", "") == strings.ReplaceAll(c, " ", "") {
		return 4
	}
	if strings.Contains(e, c) || strings.Contains(c, e) {
		return 3
	}
	switch ov := overlap(strings.Fields(e), strings.Fields(c)); {
	case ov >= 0.8:
		return 3
	case ov >= 0.6:
		return 2
	}
	return 0
}

// authorScore returns the best score of expected against any candidate
// author: 1 when no author is expected, 3 exact, 2 partial, else 0.
func authorScore(expected string, candidates []string) int {
	e := tokens(expected)
	if len(e) == 0 {
		return 1
	}
	best := 0
	for _, cand := range candidates {
		best = max(best, scoreAuthorName(e, tokens(cand)))
		if best == 3 {
			break
		}
	}
	return best
}

func scoreAuthorName(e, c []string) int {
	if len(c) == 0 {
		return 0
	}
	ej, cj := strings.Join(e, " "), strings.Join(c, " ")
	if ej == cj {
		return 3
	}
	if strings.Contains(ej, cj) || strings.Contains(cj, ej) || overlap(e, c) >= 0.7 {
		return 2
	}
	if e[len(e)-1] != c[len(c)-1] {
		return 0
	}
	// Same surname: accept a shared initial or any shared given name.
	if len(e) > 1 && len(c) > 1 && []rune(e[0])[0] == []rune(c[0])[0] {
		return 2
	}
	if overlap(e[:len(e)-1], c[:len(c)-1]) > 0 {
		return 2
	}
	return 0
}

// authorVariants lists the author strings tried as search filters, ending
// with the author-less fallback.
func authorVariants(author string) []string {
	raw := strings.TrimSpace(author)
	if raw == "" {
		return []string{""}
	}
	tok := tokens(raw)
	out := []string{raw}
	if len(tok) > 0 {
		out = append(out, strings.Join(tok, " "))
		surname := tok[len(tok)-1]
		if len(tok) > 1 {
			var initials strings.Builder
			for _, t := range tok[:len(tok)-1] {
				initials.WriteRune([]rune(t)[0])
				initials.WriteByte(' ')
			}
			out = append(out, initials.String()+surname)
		}
		out = append(out, surname)
	}
	return append(dedupe(out), "")
}

// titleVariants lists the title strings tried as search terms: the full
// title and, for subtitled titles, the main title alone.
func titleVariants(title string) []string {
	raw := strings.TrimSpace(title)
	out := []string{raw}
	for _, sep := range []string{":", " - ", " (", ";"} {
		if i := strings.Index(raw, sep); i > 0 {
			out = append(out, strings.TrimSpace(raw[:i]))
		}
	}
	return dedupe(out)
}

// isbnScore is 5 when a 13-digit ISBN matches exactly, 4 for a 10-digit
// match, else 0.
func isbnScore(expected, candidate []string) int {
	want := make(map[string]bool, len(expected))
	for _, isbn := range expected {
		if d := isbnDigits(isbn); d != "" {
			want[d] = true
		}
	}
	best := 0
	for _, isbn := range candidate {
		d := isbnDigits(isbn)
		if !want[d] {
			continue
		}
		switch len(d) {
		case 13:
			return 5
		case 10:
			best = 4
		}
	}
	return best
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
