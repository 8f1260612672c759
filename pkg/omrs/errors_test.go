package omrs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindFromWire(t *testing.T) {
	tests := []struct {
		tag  string
		want Kind
	}{
		{"ENTITY_NOT_KNOWN", KindEntityNotKnown},
		{"PAGING_ERROR", KindPagingError},
		{"SOME_FUTURE_KIND", KindRepositoryError},
		{"", KindRepositoryError},
		{"entity_not_known", KindRepositoryError},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			assert.Equal(t, tt.want, KindFromWire(tt.tag))
		})
	}
}

func TestErrorfCarriesPayload(t *testing.T) {
	err := Errorf(KindEntityNotKnown, "OMRS-REPO-404-001", "entity %s is not known to %s", "e-1", "repo-a")

	assert.Equal(t, "entity e-1 is not known to repo-a", err.Message)
	assert.Equal(t, []string{"e-1", "repo-a"}, err.Params)
	assert.Equal(t, http.StatusNotFound, err.HTTPCode)
	assert.NotEmpty(t, err.SystemAction)
	assert.NotEmpty(t, err.UserAction)
	assert.Equal(t, "OMRS-REPO-404-001 entity e-1 is not known to repo-a", err.Error())
}

func TestErrorMatching(t *testing.T) {
	base := Errorf(KindEntityNotKnown, "OMRS-REPO-404-001", "entity %s is not known", "e-1")
	wrapped := fmt.Errorf("loading entity: %w", base)

	assert.True(t, errors.Is(wrapped, ErrEntityNotKnown))
	assert.False(t, errors.Is(wrapped, ErrRelationshipNotKnown))
	assert.True(t, IsKind(wrapped, KindEntityNotKnown))
	assert.Equal(t, KindRepositoryError, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))

	var typed *Error
	require.True(t, errors.As(wrapped, &typed))
	assert.Same(t, base, typed)
}

func TestAsErrorWrapsForeignErrors(t *testing.T) {
	cause := errors.New("disk full")
	err := AsError(cause)

	assert.Equal(t, KindRepositoryError, err.Kind)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, AsError(nil))
}

func TestMostSpecific(t *testing.T) {
	param := Errorf(KindInvalidParameter, "P", "bad guid")
	domain := Errorf(KindEntityNotKnown, "D", "unknown")
	auth := Errorf(KindUserNotAuthorized, "A", "denied")
	infra := errors.New("connection reset")

	tests := []struct {
		name string
		errs []error
		want error
	}{
		{"nothing", []error{nil, nil}, nil},
		{"parameter beats everything", []error{infra, auth, domain, param}, param},
		{"domain beats authorization", []error{auth, domain}, domain},
		{"authorization beats infrastructure", []error{infra, auth}, auth},
		{"only infrastructure", []error{nil, infra}, infra},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MostSpecific(tt.errs...))
		})
	}
}

func TestMostSpecificKeepsFirstOfEqualPriority(t *testing.T) {
	first := Errorf(KindEntityNotKnown, "D1", "first")
	second := Errorf(KindPropertyError, "D2", "second")

	assert.Same(t, first, MostSpecific(first, second))
}
