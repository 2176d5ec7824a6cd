package dto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimitConfigValidate(t *testing.T) {
	valid := RateLimitConfig{
		Identifier: "198.51.100.1",
		Limit:      10,
		Window:     time.Minute,
	}
	assert.NoError(t, valid.Validate())

	empty := valid
	empty.Identifier = ""
	assert.ErrorIs(t, empty.Validate(), ErrEmptyIdentifier)

	badLimit := valid
	badLimit.Limit = 0
	assert.ErrorIs(t, badLimit.Validate(), ErrInvalidLimit)

	badLimit.Limit = -5
	assert.ErrorIs(t, badLimit.Validate(), ErrInvalidLimit)

	badWindow := valid
	badWindow.Window = 0
	assert.ErrorIs(t, badWindow.Validate(), ErrInvalidWindow)
}

func TestCheckLimitRequestValidate(t *testing.T) {
	assert.NoError(t, CheckLimitRequest{Identifier: "user:42", IdentifierKind: "user"}.Validate())
	assert.Error(t, CheckLimitRequest{}.Validate())
	assert.Error(t, CheckLimitRequest{Identifier: "user:42", IdentifierKind: "bogus"}.Validate())
}

func TestUpdatePolicyRequestValidate(t *testing.T) {
	assert.NoError(t, UpdatePolicyRequest{Limit: 30, Window: "5m"}.Validate())
	assert.Error(t, UpdatePolicyRequest{Window: "soon"}.Validate())
	assert.Error(t, UpdatePolicyRequest{OnStoreError: "explode"}.Validate())
}
