package enrich

import "github.com/sells-group/catalog-enricher/internal/model"

// Confidence scores per tier.
const (
	scoreCoverAndIdentifier = 0.94
	scoreCoverAndMetadata   = 0.78
	scoreCoverOnly          = 0.62
	scoreMetadataOnly       = 0.40
)

// Score classifies a candidate set. It looks only at which kinds of fields
// have at least one candidate.
func Score(fields []model.CandidateField) (model.ConfidenceTier, float64) {
	var cover, identifier, metadata bool
	for _, f := range fields {
		if len(f.Candidates) == 0 {
			continue
		}
		switch {
		case f.Field.IsCover():
			cover = true
		case f.Field.IsIdentifier():
			identifier = true
			metadata = true
		default:
			metadata = true
		}
	}

	switch {
	case cover && identifier:
		return model.ConfidenceHigh, scoreCoverAndIdentifier
	case cover && metadata:
		return model.ConfidenceMedium, scoreCoverAndMetadata
	case cover:
		return model.ConfidenceLow, scoreCoverOnly
	case metadata:
		return model.ConfidenceLow, scoreMetadataOnly
	default:
		return model.ConfidenceNone, 0
	}
}
