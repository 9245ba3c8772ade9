package model

import "time"

// Work is a canonical bibliographic title, independent of any printing.
type Work struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	CoverURL         string    `json:"cover_url,omitempty"`
	FirstPublishYear int       `json:"first_publish_year,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Edition is one printing or format of a Work.
type Edition struct {
	ID          string    `json:"id"`
	WorkID      string    `json:"work_id"`
	Publisher   string    `json:"publisher,omitempty"`
	PublishDate string    `json:"publish_date,omitempty"`
	ISBN10      string    `json:"isbn10,omitempty"`
	ISBN13      string    `json:"isbn13,omitempty"`
	Language    string    `json:"language,omitempty"`
	Format      string    `json:"format,omitempty"`
	CoverURL    string    `json:"cover_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasISBN reports whether the edition carries any ISBN.
func (e *Edition) HasISBN() bool {
	return e != nil && (e.ISBN10 != "" || e.ISBN13 != "")
}

// Author is a person credited on a Work.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LibraryItem is one user's catalog entry for a Work.
type LibraryItem struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	WorkID             string    `json:"work_id"`
	PreferredEditionID string    `json:"preferred_edition_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Entity types used by the external-id mapping.
const (
	EntityWork    = "work"
	EntityEdition = "edition"
)

// ExternalID maps a catalog entity to a provider's identifier. Rows are
// append-only: the first mapping recorded for (entity, provider) wins.
type ExternalID struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ItemSnapshot is the read model the enrichment engine works from: a library
// item joined with its work, authors and target edition.
type ItemSnapshot struct {
	Item    LibraryItem `json:"item"`
	Work    Work        `json:"work"`
	Authors []Author    `json:"authors,omitempty"`

	// Edition is the item's preferred edition, else the work's most recently
	// created edition, else nil.
	Edition *Edition `json:"edition,omitempty"`

	// ISBNs lists every ISBN known for the work, most recent edition first.
	ISBNs []string `json:"isbns,omitempty"`
}

// FirstAuthor returns the name of the first credited author, or "".
func (s *ItemSnapshot) FirstAuthor() string {
	if len(s.Authors) == 0 {
		return ""
	}
	return s.Authors[0].Name
}
