package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomyCodes(t *testing.T) {
	assert.Equal(t, 404, NoSuchQuota("").StatusCode)
	assert.Equal(t, 409, QuotaShortage("").StatusCode)
	assert.Equal(t, 409, QuotaOnlyIncrease("").StatusCode)
	assert.Equal(t, 409, ResourceNotCleanedUp("").StatusCode)
	assert.Equal(t, 404, ServerNotExist("").StatusCode)
	assert.Equal(t, 500, InternalError("").StatusCode)
	assert.Equal(t, "InternalError", InternalError("").Code)

	assert.True(t, IsQuotaShortage(QuotaShortage("no room")))
	assert.False(t, IsQuotaShortage(NoSuchQuota("")))
	assert.False(t, IsQuotaShortage(errors.New("plain")))
}

func TestProviderErrorKeepsMessage(t *testing.T) {
	cause := errors.New("backend storage pool exhausted")
	err := ProviderError(cause)

	assert.True(t, IsProviderError(err))
	assert.Equal(t, "backend storage pool exhausted", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestProviderErrorThroughWrapping(t *testing.T) {
	err := fmt.Errorf("create server: %w", QuotaShortage(""))
	assert.True(t, IsQuotaShortage(err))
}

func TestConvertError(t *testing.T) {
	plain := errors.New("boom")
	converted := ConvertError(plain)
	assert.Equal(t, "InternalError", converted.Code)
	assert.Equal(t, 500, converted.StatusCode)

	already := QuotaShortage("")
	assert.Same(t, already, ConvertError(already))
}
