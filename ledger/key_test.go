package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveAccountID_Deterministic(t *testing.T) {
	key := AccountKey{ClientID: "client-1", Country: "US", Currency: "USD"}

	a, err := DeriveAccountID(key)
	require.NoError(t, err)
	b, err := DeriveAccountID(key)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())
	assert.Len(t, a.String(), 32)
}

func TestDeriveAccountID_NormalizesCodes(t *testing.T) {
	upper := MustDeriveAccountID(AccountKey{ClientID: "c", Country: "US", Currency: "USD"})
	lower := MustDeriveAccountID(AccountKey{ClientID: "c", Country: " us", Currency: "usd "})
	assert.Equal(t, upper, lower)

	// Client ids are opaque: case matters
	other := MustDeriveAccountID(AccountKey{ClientID: "C", Country: "US", Currency: "USD"})
	assert.NotEqual(t, upper, other)
}

func TestDeriveAccountID_FieldsDoNotBleed(t *testing.T) {
	tests := []struct {
		name string
		a, b AccountKey
	}{
		{
			name: "delimiter inside client id",
			a:    AccountKey{ClientID: "a|2:US", Country: "MX", Currency: "MXN"},
			b:    AccountKey{ClientID: "a", Country: "US", Currency: "MXN"},
		},
		{
			name: "issuer absent vs issuer dash",
			a:    AccountKey{ClientID: "c", Country: "US", Currency: "USD"},
			b:    AccountKey{ClientID: "c", Country: "US", Currency: "USD", IssuerID: "-"},
		},
		{
			name: "characters shifted between fields",
			a:    AccountKey{ClientID: "ab", Country: "CUS", Currency: "D"},
			b:    AccountKey{ClientID: "abC", Country: "US", Currency: "D"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, tt.a.Canonical(), tt.b.Canonical())
			assert.NotEqual(t, MustDeriveAccountID(tt.a), MustDeriveAccountID(tt.b))
		})
	}
}

func TestAccountKey_Canonical(t *testing.T) {
	assert.Equal(t, "3:a|b|2:US|3:USD|-", AccountKey{ClientID: "a|b", Country: "us", Currency: "usd"}.Canonical())
	assert.Equal(t, "1:c|2:CO|3:COP|4:bank", AccountKey{ClientID: "c", Country: "CO", Currency: "COP", IssuerID: "bank"}.Canonical())
}

func TestDeriveAccountID_InvalidKey(t *testing.T) {
	tests := []struct {
		name string
		key  AccountKey
	}{
		{"missing client", AccountKey{Country: "US", Currency: "USD"}},
		{"missing country", AccountKey{ClientID: "c", Currency: "USD"}},
		{"blank currency", AccountKey{ClientID: "c", Country: "US", Currency: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeriveAccountID(tt.key)
			assert.ErrorIs(t, err, ErrInvalidKey)
			assert.True(t, IsValidationError(err))
		})
	}

	assert.Panics(t, func() { MustDeriveAccountID(AccountKey{}) })
}

func TestAccountID_TextRoundTrip(t *testing.T) {
	id := MustDeriveAccountID(AccountKey{ClientID: "c", Country: "US", Currency: "USD"})

	text, err := id.MarshalText()
	require.NoError(t, err)

	var back AccountID
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)

	_, err = ParseAccountID("abcd")
	assert.Error(t, err)
	_, err = ParseAccountID("zz")
	assert.Error(t, err)
}
