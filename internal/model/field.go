package model

// FieldKey names one tracked metadata field.
type FieldKey string

// Tracked fields.
const (
	FieldDescription      FieldKey = "description"
	FieldCoverURL         FieldKey = "cover_url"
	FieldFirstPublishYear FieldKey = "first_publish_year"
	FieldPublisher        FieldKey = "publisher"
	FieldPublishDate      FieldKey = "publish_date"
	FieldISBN10           FieldKey = "isbn10"
	FieldISBN13           FieldKey = "isbn13"
	FieldLanguage         FieldKey = "language"
	FieldFormat           FieldKey = "format"
)

// FieldScope says which catalog entity a field lives on.
type FieldScope string

const (
	ScopeWork    FieldScope = "work"
	ScopeEdition FieldScope = "edition"
)

// TrackedFields lists every field the engine fills, in a stable order.
var TrackedFields = []FieldKey{
	FieldDescription,
	FieldCoverURL,
	FieldFirstPublishYear,
	FieldPublisher,
	FieldPublishDate,
	FieldISBN10,
	FieldISBN13,
	FieldLanguage,
	FieldFormat,
}

var fieldScopes = map[FieldKey]FieldScope{
	FieldDescription:      ScopeWork,
	FieldCoverURL:         ScopeWork,
	FieldFirstPublishYear: ScopeWork,
	FieldPublisher:        ScopeEdition,
	FieldPublishDate:      ScopeEdition,
	FieldISBN10:           ScopeEdition,
	FieldISBN13:           ScopeEdition,
	FieldLanguage:         ScopeEdition,
	FieldFormat:           ScopeEdition,
}

// Scope returns the entity the field belongs to.
func (f FieldKey) Scope() FieldScope {
	return fieldScopes[f]
}

// Valid reports whether f is a tracked field.
func (f FieldKey) Valid() bool {
	_, ok := fieldScopes[f]
	return ok
}

// IsCover reports whether f is the cover image field.
func (f FieldKey) IsCover() bool { return f == FieldCoverURL }

// IsIdentifier reports whether f is an ISBN field.
func (f FieldKey) IsIdentifier() bool {
	return f == FieldISBN10 || f == FieldISBN13
}

// Candidate is one value proposed by one provider.
type Candidate struct {
	Provider     string `json:"provider"`
	ProviderID   string `json:"provider_id"`
	Value        string `json:"value"`
	DisplayValue string `json:"display_value,omitempty"`
	SourceLabel  string `json:"source_label,omitempty"`
}

// CandidateField groups the candidates proposed for one field.
type CandidateField struct {
	Field        FieldKey    `json:"field"`
	Scope        FieldScope  `json:"scope"`
	CurrentValue string      `json:"current_value,omitempty"`
	Candidates   []Candidate `json:"candidates"`
	HasConflict  bool        `json:"has_conflict"`
}

// FieldSelection is a value chosen for application, either by policy or by
// a reviewer.
type FieldSelection struct {
	Field      FieldKey `json:"field"`
	Value      string   `json:"value"`
	Provider   string   `json:"provider,omitempty"`
	ProviderID string   `json:"provider_id,omitempty"`
}
