package omrs

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorResponseRoundTrip(t *testing.T) {
	orig := Errorf(KindEntityNotKnown, "OMRS-REPO-404-001", "entity %s is not known", "guid-1").
		WithCause(errors.New("not in store")).
		WithProperty("guid", "guid-1")

	body, err := json.Marshal(ErrorResponse(orig))
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(body, &wire))
	assert.Equal(t, "ENTITY_NOT_KNOWN", wire["errorKind"])
	assert.Equal(t, float64(http.StatusNotFound), wire["relatedHTTPCode"])
	assert.NotContains(t, wire, "result")

	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	got := AsError(resp.Err())
	require.NotNil(t, got)
	assert.Equal(t, KindEntityNotKnown, got.Kind)
	assert.Equal(t, "OMRS-REPO-404-001", got.MessageID)
	assert.Equal(t, []string{"guid-1"}, got.Params)
	assert.Equal(t, "not in store", got.Cause.Error())
	assert.Equal(t, "guid-1", got.Properties["guid"])
	assert.True(t, errors.Is(resp.Err(), ErrEntityNotKnown))
}

func TestUnknownErrorKindDegrades(t *testing.T) {
	resp := Response{ErrorKind: "SOMETHING_NEW", ErrorMessage: "from a newer server"}
	err := resp.Err()
	assert.Equal(t, KindRepositoryError, KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, AsError(err).HTTPCode)

	var out string
	assert.Equal(t, err.Error(), resp.Decode(&out).Error())
}

func TestForeignErrorsBecomeRepositoryErrors(t *testing.T) {
	resp := ErrorResponse(errors.New("disk full"))
	assert.Equal(t, string(KindRepositoryError), resp.ErrorKind)
	assert.Equal(t, "disk full", resp.CausedBy)
}

func TestResultResponse(t *testing.T) {
	resp, err := ResultResponse(map[string]int{"count": 2})
	require.NoError(t, err)
	var out map[string]int
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, 2, out["count"])

	void, err := ResultResponse(nil)
	require.NoError(t, err)
	body, err := json.Marshal(void)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":null}`, string(body))
	assert.NoError(t, void.Decode(&out))
}
