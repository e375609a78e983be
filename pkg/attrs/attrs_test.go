package attrs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	id "tenancy/pkg/domain"
)

func TestString(t *testing.T) {
	pairs := []any{
		"tenant_id", id.TenantID("a1b2c3d4e5f6"),
		"email", "admin@acme.com",
		"attempts", 3,
		"dangling",
	}

	assert.Equal(t, "a1b2c3d4e5f6", String(pairs, "tenant_id"))
	assert.Equal(t, "admin@acme.com", String(pairs, "email"))
	assert.Empty(t, String(pairs, "attempts"))
	assert.Empty(t, String(pairs, "dangling"))
	assert.Empty(t, String(pairs, "missing"))
	assert.Equal(t, "b", String([]any{"k", "a", "k", "b"}, "k"))
}
