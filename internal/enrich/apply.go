package enrich

import (
	"context"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// Rejection reasons recorded per field.
const (
	rejectInvalid   = "value failed normalization"
	rejectPopulated = "field already populated"
	rejectUnknown   = "unknown field"
)

// ApplyResult reports what the Field Applier wrote.
type ApplyResult struct {
	Applied        []model.FieldKey          `json:"applied"`
	Rejected       map[model.FieldKey]string `json:"rejected,omitempty"`
	EditionCreated bool                      `json:"edition_created,omitempty"`
	Providers      []string                  `json:"providers,omitempty"`
}

// Apply writes selections into the catalog entities behind snap. Only empty
// fields are written. An edition is created, and made the item's preferred
// edition, when edition fields are applied to an item without one. Every
// provider that contributed a value or resolved an id gets an external-id
// link on the work.
func Apply(ctx context.Context, st store.Store, snap *model.ItemSnapshot, selections []model.FieldSelection, resolved map[string]string) (ApplyResult, error) {
	res := ApplyResult{Rejected: make(map[model.FieldKey]string)}
	work := snap.Work
	var edition model.Edition
	if snap.Edition != nil {
		edition = *snap.Edition
	}
	var workDirty, editionDirty bool
	links := make(map[string]string)

	for _, sel := range selections {
		if !sel.Field.Valid() {
			res.Rejected[sel.Field] = rejectUnknown
			continue
		}
		if currentValue(snap, sel.Field) != "" {
			res.Rejected[sel.Field] = rejectPopulated
			continue
		}
		v, ok := Normalize(sel.Field, sel.Value)
		if !ok {
			res.Rejected[sel.Field] = rejectInvalid
			continue
		}

		switch sel.Field {
		case model.FieldDescription:
			work.Description = v
		case model.FieldCoverURL:
			work.CoverURL = v
		case model.FieldFirstPublishYear:
			work.FirstPublishYear, _ = strconv.Atoi(v)
		case model.FieldPublisher:
			edition.Publisher = v
		case model.FieldPublishDate:
			edition.PublishDate = v
		case model.FieldISBN10:
			edition.ISBN10 = v
		case model.FieldISBN13:
			edition.ISBN13 = v
		case model.FieldLanguage:
			edition.Language = v
		case model.FieldFormat:
			edition.Format = v
		}
		if sel.Field.Scope() == model.ScopeWork {
			workDirty = true
		} else {
			editionDirty = true
		}
		res.Applied = append(res.Applied, sel.Field)
		if sel.Provider != "" && sel.ProviderID != "" {
			if _, seen := links[sel.Provider]; !seen {
				links[sel.Provider] = sel.ProviderID
			}
		}
	}

	if workDirty {
		if err := st.UpdateWork(ctx, &work); err != nil {
			return res, fromStore(err, "enrich: update work %s", work.ID)
		}
	}
	if editionDirty {
		if snap.Edition == nil {
			edition.WorkID = work.ID
			if err := st.CreateEdition(ctx, &edition); err != nil {
				return res, eris.Wrap(err, "enrich: create edition")
			}
			if err := st.SetPreferredEdition(ctx, snap.Item.ID, edition.ID); err != nil {
				return res, fromStore(err, "enrich: set preferred edition for %s", snap.Item.ID)
			}
			res.EditionCreated = true
		} else if err := st.UpdateEdition(ctx, &edition); err != nil {
			return res, fromStore(err, "enrich: update edition %s", edition.ID)
		}
	}

	for p, id := range resolved {
		if _, seen := links[p]; !seen && id != "" {
			links[p] = id
		}
	}
	for p, id := range links {
		if err := st.AddExternalID(ctx, model.ExternalID{
			EntityType: model.EntityWork,
			EntityID:   work.ID,
			Provider:   p,
			ExternalID: id,
		}); err != nil {
			return res, eris.Wrapf(err, "enrich: link %s id", p)
		}
		res.Providers = append(res.Providers, p)
	}
	sort.Strings(res.Providers)

	if len(res.Rejected) == 0 {
		res.Rejected = nil
	}
	return res, nil
}
