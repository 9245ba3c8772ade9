package enrich

import (
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/text/language"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// Controlled format vocabulary.
const (
	FormatHardcover = "hardcover"
	FormatPaperback = "paperback"
	FormatEbook     = "ebook"
	FormatAudiobook = "audiobook"
	FormatOther     = "other"
)

var (
	yearRe = regexp.MustCompile(`\b(\d{4})\b`)

	dateLayouts = []struct {
		layout string
		out    string
	}{
		{"2006-01-02", "2006-01-02"},
		{"2006/01/02", "2006-01-02"},
		{"January 2, 2006", "2006-01-02"},
		{"Jan 2, 2006", "2006-01-02"},
		{"2 January 2006", "2006-01-02"},
		{"2006-01", "2006-01"},
		{"January 2006", "2006-01"},
		{"Jan 2006", "2006-01"},
		{"2006", "2006"},
	}

	formatWords = []struct {
		format string
		words  []string
	}{
		{FormatAudiobook, []string{"audio", "audible", "mp3"}},
		{FormatEbook, []string{"ebook", "e-book", "kindle", "epub", "electronic", "digital"}},
		{FormatHardcover, []string{"hardcover", "hardback", "hard cover", "library binding", "board book"}},
		{FormatPaperback, []string{"paperback", "softcover", "soft cover", "mass market", "trade paper", "pocket"}},
	}
)

// Normalize converts a raw provider value into the catalog representation for
// field f. It reports false when the value is unusable and must not be
// applied.
func Normalize(f model.FieldKey, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	var v string
	switch f {
	case model.FieldDescription:
		v = stripHTML(raw)
	case model.FieldCoverURL:
		v = normalizeCoverURL(raw)
	case model.FieldFirstPublishYear:
		v = normalizeYear(raw, time.Now().UTC().Year()+1)
	case model.FieldPublisher:
		v = collapseSpace(raw)
	case model.FieldPublishDate:
		v = normalizeDate(raw)
	case model.FieldISBN10:
		if d := isbnDigits(raw); len(d) == 10 && validISBN10(d) {
			v = d
		}
	case model.FieldISBN13:
		if d := isbnDigits(raw); len(d) == 13 && validISBN13(d) {
			v = d
		}
	case model.FieldLanguage:
		v = normalizeLanguage(raw)
	case model.FieldFormat:
		v = normalizeFormat(raw)
	}
	return v, v != ""
}

// compareKey returns the value used to decide whether two candidates agree.
func compareKey(f model.FieldKey, raw string) string {
	if v, ok := Normalize(f, raw); ok {
		if f == model.FieldPublisher {
			return strings.ToLower(v)
		}
		return v
	}
	return strings.ToLower(collapseSpace(raw))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// stripHTML drops tags, unescapes entities and collapses whitespace.
func stripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return collapseSpace(html.UnescapeString(s))
			}
			return collapseSpace(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			b.WriteByte(' ')
		}
	}
}

func normalizeCoverURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "https"
	case "https":
	default:
		return ""
	}
	return u.String()
}

func normalizeYear(raw string, ceiling int) string {
	for _, m := range yearRe.FindAllString(raw, -1) {
		y, err := strconv.Atoi(m)
		if err == nil && y >= 1000 && y <= ceiling {
			return m
		}
	}
	return ""
}

func normalizeDate(raw string) string {
	s := collapseSpace(raw)
	for _, l := range dateLayouts {
		if t, err := time.Parse(l.layout, s); err == nil {
			return t.Format(l.out)
		}
	}
	return s
}

func normalizeLanguage(raw string) string {
	tag, err := language.Parse(strings.ToLower(raw))
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == language.No || base.String() == "und" {
		return ""
	}
	return base.String()
}

func normalizeFormat(raw string) string {
	s := strings.ToLower(raw)
	for _, fw := range formatWords {
		for _, w := range fw.words {
			if strings.Contains(s, w) {
				return fw.format
			}
		}
	}
	return FormatOther
}

// isbnDigits strips separators, keeping digits and a trailing check X.
func isbnDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'x' || r == 'X':
			b.WriteByte('X')
		case r == '-' || r == ' ':
		default:
			return ""
		}
	}
	d := b.String()
	if i := strings.IndexByte(d, 'X'); i >= 0 && i != len(d)-1 {
		return ""
	}
	return d
}

func validISBN10(d string) bool {
	sum := 0
	for i, r := range d {
		var v int
		switch {
		case r == 'X' && i == 9:
			v = 10
		case r >= '0' && r <= '9':
			v = int(r - '0')
		default:
			return false
		}
		sum += (10 - i) * v
	}
	return sum%11 == 0
}

func validISBN13(d string) bool {
	sum := 0
	for i, r := range d {
		if r < '0' || r > '9' {
			return false
		}
		v := int(r - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	return sum%10 == 0
}
