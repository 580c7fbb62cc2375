/*
key.go - Account addressing by composite key

PURPOSE:
  Maps the business identity of a wallet (client, country, currency,
  optional issuer) to a stable 128-bit AccountID. The key itself is never
  the primary key of ledger state; it is recomputed per request.

CANONICAL FORM:
  Each component is length-prefixed so no value can bleed into the next
  field, then the components are joined with '|':

    {ClientID: "a|b", Country: "US", Currency: "USD"}
      -> "3:a|b|2:US|3:USD|-"

  A missing issuer is the sentinel token "-". A present issuer always
  starts with its length, so "-" can never be confused with an issuer
  value (not even an issuer that is literally "-", which encodes "1:-").

DERIVATION:
  SHA-256 over the canonical form, truncated to the first 16 bytes.
  Collisions are astronomically unlikely but still detected: see
  KeyRegistry in index.go. A collision is fatal; ids are never rehashed.
*/
package ledger

import (
	"crypto/sha256"
	"strconv"
	"strings"
)

// noIssuer is the canonical token for an absent issuer.
const noIssuer = "-"

// AccountKey is the composite business key of a wallet account.
type AccountKey struct {
	ClientID string `json:"client_id"`
	Country  string `json:"country"`
	Currency string `json:"currency"`
	IssuerID string `json:"issuer_id,omitempty"` // empty means no issuer
}

// Normalize upper-cases country and currency codes. Client and issuer ids
// are opaque and kept verbatim.
func (k AccountKey) Normalize() AccountKey {
	k.Country = strings.ToUpper(strings.TrimSpace(k.Country))
	k.Currency = strings.ToUpper(strings.TrimSpace(k.Currency))
	return k
}

// Validate checks the required components.
func (k AccountKey) Validate() error {
	switch {
	case k.ClientID == "":
		return &keyError{field: "client_id"}
	case strings.TrimSpace(k.Country) == "":
		return &keyError{field: "country"}
	case strings.TrimSpace(k.Currency) == "":
		return &keyError{field: "currency"}
	}
	return nil
}

// Canonical returns the unambiguous string form hashed by DeriveAccountID.
func (k AccountKey) Canonical() string {
	k = k.Normalize()
	var b strings.Builder
	writeField(&b, k.ClientID)
	b.WriteByte('|')
	writeField(&b, k.Country)
	b.WriteByte('|')
	writeField(&b, k.Currency)
	b.WriteByte('|')
	if k.IssuerID == "" {
		b.WriteString(noIssuer)
	} else {
		writeField(&b, k.IssuerID)
	}
	return b.String()
}

func writeField(b *strings.Builder, v string) {
	b.WriteString(strconv.Itoa(len(v)))
	b.WriteByte(':')
	b.WriteString(v)
}

// DeriveAccountID returns the AccountID of key. It is pure and
// deterministic: equal keys (after normalization) give equal ids.
func DeriveAccountID(key AccountKey) (AccountID, error) {
	var id AccountID
	if err := key.Validate(); err != nil {
		return id, err
	}
	sum := sha256.Sum256([]byte(key.Canonical()))
	copy(id[:], sum[:len(id)])
	return id, nil
}

// MustDeriveAccountID is DeriveAccountID for keys known to be valid.
// Panics otherwise. Use in tests and for static system accounts.
func MustDeriveAccountID(key AccountKey) AccountID {
	id, err := DeriveAccountID(key)
	if err != nil {
		panic(err)
	}
	return id
}

type keyError struct {
	field string
}

func (e *keyError) Error() string { return "invalid account key: missing " + e.field }
func (e *keyError) Unwrap() error { return ErrInvalidKey }
