package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/catalog-enricher/internal/model"
)

func candidateField(f model.FieldKey, conflict bool, values ...string) model.CandidateField {
	cf := model.CandidateField{Field: f, Scope: f.Scope(), HasConflict: conflict}
	for i, v := range values {
		cf.Candidates = append(cf.Candidates, model.Candidate{
			Provider:     "openlibrary",
			ProviderID:   "OL" + string(rune('1'+i)) + "W",
			Value:        v,
			DisplayValue: v,
		})
	}
	return cf
}

func TestScore(t *testing.T) {
	t.Parallel()
	cover := candidateField(model.FieldCoverURL, false, "https://x/c.jpg")
	isbn := candidateField(model.FieldISBN13, false, "9780441172719")
	publisher := candidateField(model.FieldPublisher, false, "Ace")

	tests := []struct {
		name   string
		fields []model.CandidateField
		tier   model.ConfidenceTier
		score  float64
	}{
		{"cover and identifier", []model.CandidateField{cover, isbn}, model.ConfidenceHigh, 0.94},
		{"cover and metadata", []model.CandidateField{cover, publisher}, model.ConfidenceMedium, 0.78},
		{"cover only", []model.CandidateField{cover}, model.ConfidenceLow, 0.62},
		{"metadata only", []model.CandidateField{publisher}, model.ConfidenceLow, 0.40},
		{"identifier only", []model.CandidateField{isbn}, model.ConfidenceLow, 0.40},
		{"empty candidates", []model.CandidateField{{Field: model.FieldCoverURL}}, model.ConfidenceNone, 0},
		{"nothing", nil, model.ConfidenceNone, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, score := Score(tt.fields)
			assert.Equal(t, tt.tier, tier)
			assert.InDelta(t, tt.score, score, 0.0001)
		})
	}
}

func TestBuildSelection_High(t *testing.T) {
	t.Parallel()
	fields := []model.CandidateField{
		candidateField(model.FieldCoverURL, false, "https://x/c.jpg"),
		candidateField(model.FieldISBN13, true, "9780441172719", "9780593099322"),
		candidateField(model.FieldPublisher, false, "Ace"),
	}
	sel := BuildSelection(fields, model.ConfidenceHigh, DefaultPolicy())

	assert.Len(t, sel.Apply, 2)
	assert.Equal(t, model.FieldCoverURL, sel.Apply[0].Field)
	assert.Equal(t, "OL1W", sel.Apply[0].ProviderID)
	assert.Equal(t, model.FieldPublisher, sel.Apply[1].Field)
	assert.Equal(t, []model.FieldKey{model.FieldISBN13}, sel.Review)
	assert.True(t, sel.MetadataResidue)
	assert.False(t, sel.CoverResidue)
	assert.True(t, sel.NeedsReview(model.ConfidenceHigh))
}

func TestBuildSelection_ConflictWithoutReview(t *testing.T) {
	t.Parallel()
	policy := DefaultPolicy()
	policy.ReviewOnConflict = map[model.FieldKey]bool{model.FieldISBN13: false}
	fields := []model.CandidateField{
		candidateField(model.FieldCoverURL, false, "https://x/c.jpg"),
		candidateField(model.FieldISBN13, true, "9780441172719", "9780593099322"),
	}
	sel := BuildSelection(fields, model.ConfidenceHigh, policy)

	assert.Len(t, sel.Apply, 1)
	assert.Empty(t, sel.Review)
	assert.False(t, sel.NeedsReview(model.ConfidenceHigh))
}

func TestBuildSelection_Medium(t *testing.T) {
	t.Parallel()
	fields := []model.CandidateField{
		candidateField(model.FieldCoverURL, false, "https://x/c.jpg"),
		candidateField(model.FieldPublisher, false, "Ace"),
	}
	sel := BuildSelection(fields, model.ConfidenceMedium, DefaultPolicy())

	assert.Len(t, sel.Apply, 1)
	assert.Equal(t, model.FieldCoverURL, sel.Apply[0].Field)
	assert.Equal(t, []model.FieldKey{model.FieldPublisher}, sel.Review)
	assert.True(t, sel.NeedsReview(model.ConfidenceMedium))
}

func TestBuildSelection_Low(t *testing.T) {
	t.Parallel()
	fields := []model.CandidateField{candidateField(model.FieldCoverURL, false, "https://x/c.jpg")}
	sel := BuildSelection(fields, model.ConfidenceLow, DefaultPolicy())

	assert.Empty(t, sel.Apply)
	assert.Equal(t, []model.FieldKey{model.FieldCoverURL}, sel.Review)
	assert.True(t, sel.CoverResidue)
	assert.True(t, sel.NeedsReview(model.ConfidenceLow))
}

func TestSelectionNeedsReview(t *testing.T) {
	t.Parallel()
	coverOnly := Selection{Review: []model.FieldKey{model.FieldCoverURL}, CoverResidue: true}
	assert.False(t, coverOnly.NeedsReview(model.ConfidenceMedium), "cover residue alone")
	assert.True(t, coverOnly.NeedsReview(model.ConfidenceHigh))
	assert.False(t, Selection{}.NeedsReview(model.ConfidenceHigh))
	assert.False(t, Selection{}.NeedsReview(model.ConfidenceNone))
}
