package enrich

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// MissingFields lists the tracked fields that are empty on the snapshot's
// work and target edition. Edition fields count as missing when the item has
// no edition at all.
func MissingFields(snap *model.ItemSnapshot) []model.FieldKey {
	var out []model.FieldKey
	for _, f := range model.TrackedFields {
		if currentValue(snap, f) == "" {
			out = append(out, f)
		}
	}
	return out
}

func currentValue(snap *model.ItemSnapshot, f model.FieldKey) string {
	w := snap.Work
	switch f {
	case model.FieldDescription:
		return w.Description
	case model.FieldCoverURL:
		if w.CoverURL == "" && snap.Edition != nil {
			return snap.Edition.CoverURL
		}
		return w.CoverURL
	case model.FieldFirstPublishYear:
		if w.FirstPublishYear == 0 {
			return ""
		}
		return strconv.Itoa(w.FirstPublishYear)
	}

	e := snap.Edition
	if e == nil {
		return ""
	}
	switch f {
	case model.FieldPublisher:
		return e.Publisher
	case model.FieldPublishDate:
		return e.PublishDate
	case model.FieldISBN10:
		return e.ISBN10
	case model.FieldISBN13:
		return e.ISBN13
	case model.FieldLanguage:
		return e.Language
	case model.FieldFormat:
		return e.Format
	}
	return ""
}

func currentValues(snap *model.ItemSnapshot, fields []model.FieldKey) map[model.FieldKey]string {
	out := make(map[model.FieldKey]string, len(fields))
	for _, f := range fields {
		if v := currentValue(snap, f); v != "" {
			out[f] = v
		}
	}
	return out
}

// IdempotencyKey derives the dedupe key for a (user, item, missing fields)
// triple. Field order does not matter.
func IdempotencyKey(userID, itemID string, fields []model.FieldKey) string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = string(f)
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	sum := sha256.Sum256([]byte(userID + "|" + itemID + "|" + strings.Join(keys, ",")))
	return hex.EncodeToString(sum[:])
}

// stillMissing keeps the fields of want that are still empty on snap.
func stillMissing(want []model.FieldKey, snap *model.ItemSnapshot) []model.FieldKey {
	var out []model.FieldKey
	for _, f := range want {
		if f.Valid() && currentValue(snap, f) == "" {
			out = append(out, f)
		}
	}
	return out
}
