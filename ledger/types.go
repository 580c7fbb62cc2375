/*
Package ledger provides the double-entry wallet ledger core.

PURPOSE:
  This package contains the storage-agnostic types and algorithms of the
  wallet ledger: account addressing, partitioning, amount conversion,
  transfer application and void (reversal) semantics. Storage backends,
  the caller-facing wallet service and the CLI are built on top of it.

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountID:  128-bit identifier derived from an AccountKey
  - Account:    credits-posted / debits-posted counters for one account
  - Transfer:   an immutable double-entry movement between two accounts
  - PartitionID: isolation boundary for one (currency, country) pair

DESIGN PRINCIPLES:
  1. Immutability: Transfers are never modified, only compensated
  2. Precision: Amounts are unsigned minor units, never floats
  3. Monotonic counters: CreditsPosted/DebitsPosted only ever grow
  4. Conservation: every transfer adds the same amount to one account's
     debits and another account's credits

USAGE:
  id, _ := ledger.DeriveAccountID(ledger.AccountKey{
      ClientID: "cust-42", Country: "US", Currency: "USD",
  })
  result, err := tl.Apply(ctx, ledger.Transfer{
      ID:              "ref-001",
      DebitAccountID:  reserveID,
      CreditAccountID: id,
      Amount:          5000,
      Partition:       1,
      Kind:            ledger.KindCredit,
  })

SEE ALSO:
  - key.go:       AccountKey canonicalization and derivation
  - ledger.go:    TransferLedger (the apply algorithm)
  - void.go:      VoidCoordinator
  - store.go:     Persistence interfaces
*/
package ledger

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID is a 128-bit account identifier. It is a one-way function of an
// AccountKey; see DeriveAccountID.
type AccountID [16]byte

// String returns the lowercase hex form of the id.
func (id AccountID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the zero value.
func (id AccountID) IsZero() bool { return id == AccountID{} }

// MarshalText implements encoding.TextMarshaler.
func (id AccountID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AccountID) UnmarshalText(b []byte) error {
	parsed, err := ParseAccountID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseAccountID parses the hex form produced by AccountID.String.
func ParseAccountID(s string) (AccountID, error) {
	var id AccountID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid account id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid account id %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// TransferID is the caller-supplied transfer identifier. It is the
// idempotency key of TransferLedger.Apply.
type TransferID string

// PartitionID identifies one (currency, country) ledger partition.
type PartitionID uint32

// =============================================================================
// ACCOUNT
// =============================================================================

// ConstraintFlag is the balance constraint an account is created with.
type ConstraintFlag uint8

const (
	FlagNone                       ConstraintFlag = 0
	FlagDebitsMustNotExceedCredits ConstraintFlag = 1
)

func (f ConstraintFlag) String() string {
	switch f {
	case FlagNone:
		return "none"
	case FlagDebitsMustNotExceedCredits:
		return "debits_must_not_exceed_credits"
	default:
		return fmt.Sprintf("flag(%d)", uint8(f))
	}
}

// ParseConstraintFlag is the inverse of ConstraintFlag.String.
func ParseConstraintFlag(s string) (ConstraintFlag, error) {
	switch s {
	case "", "none":
		return FlagNone, nil
	case "debits_must_not_exceed_credits":
		return FlagDebitsMustNotExceedCredits, nil
	default:
		return FlagNone, fmt.Errorf("unknown constraint flag %q", s)
	}
}

// Account holds the posted totals of one ledger account.
//
// INVARIANTS:
//   - CreditsPosted and DebitsPosted only increase.
//   - Partition never changes after creation.
//
// The net balance is derived on read; it is never stored.
type Account struct {
	ID            AccountID      `json:"id"`
	Partition     PartitionID    `json:"partition"`
	CreditsPosted uint64         `json:"credits_posted"`
	DebitsPosted  uint64         `json:"debits_posted"`
	Flags         ConstraintFlag `json:"flags"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Net returns CreditsPosted - DebitsPosted as an exact signed value in minor
// units. The difference of two uint64 values does not fit an int64 in
// general, hence the decimal.
func (a Account) Net() decimal.Decimal {
	c := new(big.Int).SetUint64(a.CreditsPosted)
	d := new(big.Int).SetUint64(a.DebitsPosted)
	return decimal.NewFromBigInt(c.Sub(c, d), 0)
}

// AvailableCredit returns how much more can be debited before DebitsPosted
// exceeds CreditsPosted. Zero when the account is already at or below zero.
func (a Account) AvailableCredit() uint64 {
	if a.DebitsPosted >= a.CreditsPosted {
		return 0
	}
	return a.CreditsPosted - a.DebitsPosted
}

// =============================================================================
// TRANSFER
// =============================================================================

// TransferKind is the business meaning of a transfer.
type TransferKind string

const (
	KindCredit     TransferKind = "credit"      // Value added to a customer wallet
	KindDebit      TransferKind = "debit"       // Value taken from a customer wallet
	KindCreditVoid TransferKind = "credit_void" // Compensates a credit
	KindDebitVoid  TransferKind = "debit_void"  // Compensates a debit
)

// Valid reports whether k is one of the known kinds.
func (k TransferKind) Valid() bool {
	switch k {
	case KindCredit, KindDebit, KindCreditVoid, KindDebitVoid:
		return true
	}
	return false
}

// IsVoid reports whether k is a compensating kind.
func (k TransferKind) IsVoid() bool {
	return k == KindCreditVoid || k == KindDebitVoid
}

// VoidKind maps a kind to the kind of its compensating transfer.
func (k TransferKind) VoidKind() (TransferKind, bool) {
	switch k {
	case KindCredit:
		return KindCreditVoid, true
	case KindDebit:
		return KindDebitVoid, true
	}
	return "", false
}

// Transfer moves Amount from DebitAccountID to CreditAccountID within one
// partition. Once applied it is immutable; a reversal is a new Transfer
// whose LinkedTransferID points at the original.
type Transfer struct {
	ID               TransferID   `json:"id"`
	DebitAccountID   AccountID    `json:"debit_account_id"`
	CreditAccountID  AccountID    `json:"credit_account_id"`
	Amount           uint64       `json:"amount"`
	Partition        PartitionID  `json:"partition"`
	Kind             TransferKind `json:"kind"`
	LinkedTransferID TransferID   `json:"linked_transfer_id,omitempty"`
	AppliedAt        time.Time    `json:"applied_at"`

	// Flags used when the debit/credit account does not exist yet.
	// Ignored for existing accounts.
	DebitAccountFlags  ConstraintFlag `json:"debit_account_flags,omitempty"`
	CreditAccountFlags ConstraintFlag `json:"credit_account_flags,omitempty"`
}

// AppliedTransfer is the persisted proof that a transfer was applied,
// together with both accounts as they were right after application.
type AppliedTransfer struct {
	Transfer      Transfer `json:"transfer"`
	DebitAccount  Account  `json:"debit_account"`
	CreditAccount Account  `json:"credit_account"`
}

// TransferResult is what Apply returns.
type TransferResult struct {
	Transfer      Transfer
	DebitAccount  Account
	CreditAccount Account

	// Replayed is true when the transfer id had already been applied and
	// the stored result was returned without touching any balance.
	Replayed bool
}

func resultFrom(at AppliedTransfer, replayed bool) TransferResult {
	return TransferResult{
		Transfer:      at.Transfer,
		DebitAccount:  at.DebitAccount,
		CreditAccount: at.CreditAccount,
		Replayed:      replayed,
	}
}

// Totals is the sum of posted credits and debits over a set of accounts.
// Sums are big.Int-backed decimals so they cannot overflow.
type Totals struct {
	Accounts      int
	CreditsPosted decimal.Decimal
	DebitsPosted  decimal.Decimal
}

// Balanced reports whether credits equal debits.
func (t Totals) Balanced() bool { return t.CreditsPosted.Equal(t.DebitsPosted) }
