package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorChaining(t *testing.T) {
	base := New("operation failed").SetStatusCode(http.StatusInternalServerError)
	derived := base.New("container start failed")
	refined := derived.Msg("container start failed: engine")

	assert.True(t, errors.Is(refined, derived))
	assert.True(t, errors.Is(refined, base))
	assert.True(t, errors.Is(derived, base))
	assert.False(t, errors.Is(base, derived))

	assert.Equal(t, http.StatusInternalServerError, refined.StatusCode())
}

func TestErrorWrapping(t *testing.T) {
	base := New("runtime error")
	cause := fmt.Errorf("connection refused")
	wrapped := base.New("start container").Err(cause)

	assert.True(t, errors.Is(wrapped, cause))
	assert.True(t, errors.Is(wrapped, base))
	assert.Equal(t, "start container", wrapped.Error())
	assert.Equal(t, "start container: connection refused", wrapped.ErrorAll())
}

func TestStatusCodeOverride(t *testing.T) {
	base := New("conflict").SetStatusCode(http.StatusConflict)
	derived := base.New("operation already in progress")
	assert.Equal(t, http.StatusConflict, derived.StatusCode())

	other := derived.New("special").SetStatusCode(http.StatusLocked)
	assert.Equal(t, http.StatusLocked, other.StatusCode())
	assert.Equal(t, http.StatusConflict, derived.StatusCode())
}

func TestMsgErr(t *testing.T) {
	base := New("archive error")
	e1 := errors.New("disk full")
	e2 := errors.New("permission denied")
	wrapped := base.MsgErr("upload failed", e1, e2)

	assert.True(t, errors.Is(wrapped, e1))
	assert.True(t, errors.Is(wrapped, e2))
	assert.Equal(t, "upload failed: disk full; permission denied", wrapped.ErrorAll())
}
