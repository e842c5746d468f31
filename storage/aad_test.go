package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAADForIsUnambiguous(t *testing.T) {
	assert.Equal(t, aadFor("refresh_token"), aadFor("refresh_token"))
	assert.NotEqual(t, aadFor("refresh_token"), aadFor("access_token"))
	assert.NotEqual(t, aadFor("a"), aadFor("a\x00"))
	assert.Len(t, aadFor(""), 4+len(sealedAADLabel)+4+4)
}
