package enrich

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// ApplyMode says which fields a confidence tier may auto-apply.
type ApplyMode string

const (
	ApplyAll   ApplyMode = "all"
	ApplyCover ApplyMode = "cover"
	ApplyNone  ApplyMode = "none"
)

// Policy is the auto-apply policy used by the Selection Builder.
type Policy struct {
	// AutoApply maps a tier to what it may apply without review.
	AutoApply map[model.ConfidenceTier]ApplyMode `yaml:"auto_apply"`

	// ReviewOnConflict sends conflicting values of a field to review. When
	// false for a field, its conflicts are left unresolved and unreviewed.
	ReviewOnConflict map[model.FieldKey]bool `yaml:"review_on_conflict"`
}

// DefaultPolicy applies everything at high confidence, only covers at
// medium, and nothing below.
func DefaultPolicy() Policy {
	return Policy{
		AutoApply: map[model.ConfidenceTier]ApplyMode{
			model.ConfidenceHigh:   ApplyAll,
			model.ConfidenceMedium: ApplyCover,
			model.ConfidenceLow:    ApplyNone,
			model.ConfidenceNone:   ApplyNone,
		},
	}
}

// LoadPolicy reads a YAML policy file. An empty path yields DefaultPolicy;
// keys missing from the file keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return p, eris.Wrapf(ErrConfiguration, "read policy %s: %v", path, err)
	}
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return p, eris.Wrapf(ErrConfiguration, "parse policy %s: %v", path, err)
	}

	for tier, mode := range file.AutoApply {
		switch mode {
		case ApplyAll, ApplyCover, ApplyNone:
		default:
			return p, eris.Wrapf(ErrConfiguration, "policy %s: unknown auto_apply mode %q for %s", path, mode, tier)
		}
		p.AutoApply[tier] = mode
	}
	for f, review := range file.ReviewOnConflict {
		if !f.Valid() {
			return p, eris.Wrapf(ErrConfiguration, "policy %s: unknown field %q", path, f)
		}
		if p.ReviewOnConflict == nil {
			p.ReviewOnConflict = make(map[model.FieldKey]bool)
		}
		p.ReviewOnConflict[f] = review
	}
	return p, nil
}

// Mode returns the apply mode for tier.
func (p Policy) Mode(tier model.ConfidenceTier) ApplyMode {
	if m, ok := p.AutoApply[tier]; ok {
		return m
	}
	return ApplyNone
}

func (p Policy) reviewOnConflict(f model.FieldKey) bool {
	review, ok := p.ReviewOnConflict[f]
	return !ok || review
}
