package pagination

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedPage is returned when a 200 body is not a page object.
	ErrMalformedPage = errors.New("malformed page")

	// ErrQuotaExceeded is returned when a resource still answers 402 after
	// the model fallback.
	ErrQuotaExceeded = errors.New("quota exceeded after model fallback")

	// ErrUnexpectedStatus is returned for statuses the pager has no branch for.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// Page is one response of a paged collection.
type Page[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink,omitempty"`
}

// DecodePage parses body into a Page. A missing or null "value" is an error.
func DecodePage[T any](body []byte) (*Page[T], error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPage)
	}

	var page *Page[T]
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPage, err)
	}
	if page == nil {
		return nil, fmt.Errorf("%w: null body", ErrMalformedPage)
	}
	if page.Value == nil {
		return nil, fmt.Errorf("%w: missing value collection", ErrMalformedPage)
	}
	return page, nil
}

// Model is the Graph licensing model query parameter.
type Model string

const (
	ModelA Model = "A"
	ModelB Model = "B"
)

// Flip returns the other licensing model.
func (m Model) Flip() Model {
	if m == ModelB {
		return ModelA
	}
	return ModelB
}

// ParseModel validates a configured model name.
func ParseModel(s string) (Model, error) {
	switch Model(s) {
	case ModelA, ModelB:
		return Model(s), nil
	default:
		return "", fmt.Errorf("unknown licensing model %q (want A or B)", s)
	}
}
