package model

import (
	"encoding/json"
	"slices"

	"github.com/rotisserie/eris"
)

// Skip reasons shown to users.
const (
	ReasonRateLimited        = "rate limited"
	ReasonServiceUnavailable = "service unavailable"
	ReasonNoMatch            = "no match found"
	ReasonDismissed          = "dismissed"
)

// ProviderFailure records one provider call that failed in transport.
type ProviderFailure struct {
	Provider string `json:"provider"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// ProviderReport is the attempted/succeeded/failed status block of one
// matching run.
type ProviderReport struct {
	Attempted []string          `json:"attempted,omitempty"`
	Succeeded []string          `json:"succeeded,omitempty"`
	NotFound  []string          `json:"not_found,omitempty"`
	Failed    []ProviderFailure `json:"failed,omitempty"`
	Cached    []string          `json:"cached,omitempty"`
	Throttled []string          `json:"throttled,omitempty"`
}

// Empty reports whether nothing was recorded.
func (r *ProviderReport) Empty() bool {
	return r == nil || (len(r.Attempted) == 0 && len(r.Cached) == 0 && len(r.Throttled) == 0)
}

// Reason synthesizes the human-readable explanation for an unresolved task.
func (r *ProviderReport) Reason() string {
	switch {
	case r == nil:
		return ReasonNoMatch
	case len(r.Throttled) > 0 && len(r.Succeeded) == 0 && len(r.NotFound) == 0:
		return ReasonRateLimited
	case len(r.Failed) > 0 && len(r.Succeeded) == 0 && len(r.NotFound) == 0:
		return ReasonServiceUnavailable
	default:
		return ReasonNoMatch
	}
}

// MatchDetails is the cached payload of the last evaluation of a task.
// Unknown JSON keys are preserved across a read-modify-write cycle so older
// and newer writers can share the column.
type MatchDetails struct {
	Providers          *ProviderReport     `json:"providers,omitempty"`
	SuggestedValues    map[FieldKey]string `json:"suggestedValues,omitempty"`
	SuggestedProviders map[FieldKey]string `json:"suggestedProviders,omitempty"`
	ConfidenceScore    *float64            `json:"confidenceScore,omitempty"`
	WorkTitle          string              `json:"workTitle,omitempty"`
	Fields             []CandidateField    `json:"fields,omitempty"`
	ReviewFields       []FieldKey          `json:"reviewFields,omitempty"`
	RejectedFields     map[FieldKey]string `json:"rejectedFields,omitempty"`
	SkipReason         string              `json:"skipReason,omitempty"`

	extra map[string]json.RawMessage
}

type matchDetailsAlias MatchDetails

var matchDetailsKeys = []string{
	"providers", "suggestedValues", "suggestedProviders", "confidenceScore",
	"workTitle", "fields", "reviewFields", "rejectedFields", "skipReason",
}

// MarshalJSON writes the known fields and re-emits any preserved unknown keys.
func (d MatchDetails) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(matchDetailsAlias(d))
	if err != nil {
		return nil, err
	}
	if len(d.extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(d.extra)+len(matchDetailsKeys))
	for k, v := range d.extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads the known fields and keeps the rest aside.
func (d *MatchDetails) UnmarshalJSON(data []byte) error {
	var alias matchDetailsAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range matchDetailsKeys {
		delete(raw, k)
	}
	*d = MatchDetails(alias)
	if len(raw) > 0 {
		d.extra = raw
	}
	return nil
}

// Extra returns a preserved unknown key, if present.
func (d *MatchDetails) Extra(key string) (json.RawMessage, bool) {
	v, ok := d.extra[key]
	return v, ok
}

// Merge overlays the non-empty parts of newer onto d. Preserved unknown keys
// from both sides survive, newer winning on collision.
func (d *MatchDetails) Merge(newer MatchDetails) {
	if !newer.Providers.Empty() {
		d.Providers = newer.Providers
	}
	if len(newer.SuggestedValues) > 0 {
		d.SuggestedValues = newer.SuggestedValues
	}
	if len(newer.SuggestedProviders) > 0 {
		d.SuggestedProviders = newer.SuggestedProviders
	}
	if newer.ConfidenceScore != nil {
		d.ConfidenceScore = newer.ConfidenceScore
	}
	if newer.WorkTitle != "" {
		d.WorkTitle = newer.WorkTitle
	}
	if newer.Fields != nil {
		d.Fields = newer.Fields
	}
	if newer.ReviewFields != nil {
		d.ReviewFields = slices.Clone(newer.ReviewFields)
	}
	if newer.RejectedFields != nil {
		d.RejectedFields = newer.RejectedFields
	}
	if newer.SkipReason != "" {
		d.SkipReason = newer.SkipReason
	}
	if len(newer.extra) > 0 {
		if d.extra == nil {
			d.extra = make(map[string]json.RawMessage, len(newer.extra))
		}
		for k, v := range newer.extra {
			d.extra[k] = v
		}
	}
}

// DecodeMatchDetails parses a stored payload. Empty input yields a zero value.
func DecodeMatchDetails(data []byte) (MatchDetails, error) {
	var d MatchDetails
	if len(data) == 0 || string(data) == "null" {
		return d, nil
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, eris.Wrap(err, "model: decode match details")
	}
	return d, nil
}
