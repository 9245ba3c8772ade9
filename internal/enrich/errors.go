package enrich

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// Sentinel errors. Wrap them with eris.Wrapf to add context; errors.Is
// matches through the wrap chain.
var (
	ErrConfiguration = eris.New("enrich: configuration error")
	ErrNotFound      = eris.New("enrich: not found")
	ErrValidation    = eris.New("enrich: validation failed")
	ErrConflict      = eris.New("enrich: conflict")
)

// ProviderUnavailableError reports a provider that could not be used for an
// operation that needs it, for example an exhausted daily budget.
type ProviderUnavailableError struct {
	Provider string
	Code     string
	Message  string
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("enrich: provider %s unavailable (%s): %s", e.Provider, e.Code, e.Message)
}

// TransientTaskError is returned when every usable provider failed in
// transport and nothing was learned. The task is retried with backoff.
type TransientTaskError struct {
	Failures []model.ProviderFailure
}

func (e *TransientTaskError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Provider+": "+f.Code)
	}
	return "enrich: all providers failed (" + strings.Join(parts, ", ") + ")"
}

// IsPermanent reports whether err should fail a task without retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation)
}

// fromStore translates store sentinels into the enrich taxonomy.
func fromStore(err error, format string, args ...any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return eris.Wrapf(ErrNotFound, format, args...)
	case errors.Is(err, store.ErrConflict):
		return eris.Wrapf(ErrConflict, format, args...)
	default:
		return eris.Wrapf(err, format, args...)
	}
}
