package enrich

import (
	"github.com/sells-group/catalog-enricher/internal/model"
)

// Selection is the split of a candidate set into values to apply now and
// fields left for a reviewer.
type Selection struct {
	Apply  []model.FieldSelection `json:"apply"`
	Review []model.FieldKey       `json:"review,omitempty"`

	// CoverResidue is set when the cover was not auto-applied.
	CoverResidue bool `json:"cover_residue,omitempty"`
	// MetadataResidue is set when any non-cover field was not auto-applied.
	MetadataResidue bool `json:"metadata_residue,omitempty"`
}

// BuildSelection applies policy to the candidate fields. Conflicting fields
// are never auto-applied.
func BuildSelection(fields []model.CandidateField, tier model.ConfidenceTier, policy Policy) Selection {
	mode := policy.Mode(tier)
	var sel Selection
	for _, f := range fields {
		if len(f.Candidates) == 0 {
			continue
		}
		allowed := mode == ApplyAll || (mode == ApplyCover && f.Field.IsCover())
		if allowed && !f.HasConflict {
			c := f.Candidates[0]
			sel.Apply = append(sel.Apply, model.FieldSelection{
				Field:      f.Field,
				Value:      c.Value,
				Provider:   c.Provider,
				ProviderID: c.ProviderID,
			})
			continue
		}
		if f.HasConflict && !policy.reviewOnConflict(f.Field) {
			continue
		}
		sel.Review = append(sel.Review, f.Field)
		if f.Field.IsCover() {
			sel.CoverResidue = true
		} else {
			sel.MetadataResidue = true
		}
	}
	return sel
}

// NeedsReview reports whether the residue of s must go to a human. Cover
// residue alone does not force review at medium confidence.
func (s Selection) NeedsReview(tier model.ConfidenceTier) bool {
	switch tier {
	case model.ConfidenceHigh:
		return len(s.Review) > 0
	case model.ConfidenceMedium:
		return s.MetadataResidue
	case model.ConfidenceLow:
		return len(s.Review) > 0 || len(s.Apply) > 0
	default:
		return false
	}
}
