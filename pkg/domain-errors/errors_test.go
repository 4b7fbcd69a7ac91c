package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCodeWalksWrappedChain(t *testing.T) {
	base := New(CodeNotFound, "purpose not found")
	wrapped := Wrap(base, CodeValidation, "renew consent")
	outer := fmt.Errorf("handle event: %w", wrapped)

	assert.True(t, HasCode(outer, CodeValidation))
	assert.True(t, HasCode(outer, CodeNotFound))
	assert.False(t, HasCode(outer, CodeConflict))
	assert.False(t, HasCode(errors.New("plain"), CodeNotFound))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, CodeInternal, "noop"))
}

func TestCodeOfAndStatus(t *testing.T) {
	err := fmt.Errorf("x: %w", New(CodeNotFound, "missing"))
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(CodeNotFound))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(CodeValidation))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(CodeInternal))
}
