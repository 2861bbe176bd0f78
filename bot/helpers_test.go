package bot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyToken(t *testing.T) {
	hash, err := hashToken("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))

	valid, err := verifyToken(hash, "hunter2")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = verifyToken(hash, "wrong")
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = verifyToken("not-a-hash", "hunter2")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "héll", truncate("héllo", 4))
	assert.Equal(t, "", truncate("", 10))
}

func TestConfigValidate(t *testing.T) {
	config := DefaultConfig()
	config.Discord.Token = "token"
	config.Discord.ApplicationID = "app-id"
	require.NoError(t, config.Validate())

	config.DatabaseType = "mariadb"
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	require.Error(t, config.Validate(), "discord token should be required")
}
