package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceHasher_Key(t *testing.T) {
	h := NewDeviceHasher("secret")

	k := h.Key("ABC-123")
	assert.Len(t, k, 64)
	assert.Equal(t, k, h.Key("  abc-123 "), "normalized before hashing")
	assert.NotEqual(t, k, h.Key("abc-124"))
	assert.NotEqual(t, k, NewDeviceHasher("other-secret").Key("ABC-123"))
	assert.Empty(t, h.Key("   "))
}

func TestDeviceHasher_LongSecret(t *testing.T) {
	h := NewDeviceHasher(strings.Repeat("k", 200))
	assert.Len(t, h.Key("device"), 64)
}
