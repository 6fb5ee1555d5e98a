package secret_test

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/autotrader/internal/secret"
)

func TestSealOpen(t *testing.T) {
	box, err := secret.NewBox(strings.Repeat("k", 32))
	require.NoError(t, err)
	require.True(t, box.Enabled())

	sealed, err := box.Seal(`{"api_key":"a","api_secret":"b"}`)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "api_key")

	again, err := box.Seal(`{"api_key":"a","api_secret":"b"}`)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "fresh nonce per seal")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"api_key":"a","api_secret":"b"}`, plain)
}

func TestOpenWithWrongKey(t *testing.T) {
	a, err := secret.NewBox(strings.Repeat("a", 32))
	require.NoError(t, err)
	b, err := secret.NewBox(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("b", 32))))
	require.NoError(t, err)

	sealed, err := a.Seal("payload")
	require.NoError(t, err)
	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, secret.ErrOpenFailed)

	_, err = a.Open("not base64!")
	assert.ErrorIs(t, err, secret.ErrOpenFailed)
}

func TestPassThroughWithoutKey(t *testing.T) {
	box, err := secret.NewBox("")
	require.NoError(t, err)
	assert.False(t, box.Enabled())

	sealed, err := box.Seal("payload")
	require.NoError(t, err)
	assert.Equal(t, "payload", sealed)
}

func TestInvalidKey(t *testing.T) {
	_, err := secret.NewBox("short")
	assert.ErrorIs(t, err, secret.ErrInvalidKey)
}
