package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/config"
	"github.com/warp/wallet-ledger/factory"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/wallet"
)

var aliceFlags = []string{"--client", "alice", "--country", "US", "--currency", "USD"}

// cli runs commands against one in-memory App shared across invocations.
type cli struct {
	t   *testing.T
	app *factory.App
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	app, err := factory.Build(context.Background(), config.Default())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return &cli{t: t, app: app}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	root := newRootCmd(func(context.Context, string) (*factory.App, error) { return c.app, nil })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func (c *cli) runJSON(v any, args ...string) {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, out)
	require.NoError(c.t, json.Unmarshal([]byte(out), v), out)
}

func TestWalletctl_CreditDebitVoid(t *testing.T) {
	c := newCLI(t)

	// GIVEN: a credit of 50.00
	var credit resultView
	c.runJSON(&credit, append([]string{"credit", "50.00", "--ref", "c1"}, aliceFlags...)...)
	assert.Equal(t, "credit", credit.Kind)
	assert.Equal(t, "5000", credit.Balance.CreditsPosted)
	assert.False(t, credit.Replayed)

	// WHEN: the same request is retried
	var retry resultView
	c.runJSON(&retry, append([]string{"credit", "50.00", "--ref", "c1"}, aliceFlags...)...)

	// THEN: it replays
	assert.True(t, retry.Replayed)
	assert.Equal(t, credit.TransferID, retry.TransferID)

	// WHEN: a debit of 75 and a void of the credit follow
	var debit resultView
	c.runJSON(&debit, append([]string{"debit", "75", "--ref", "d1"}, aliceFlags...)...)
	var void resultView
	c.runJSON(&void, "void", "c1")

	// THEN: the wallet shows the debit alone
	var bal balanceView
	c.runJSON(&bal, append([]string{"balance"}, aliceFlags...)...)
	assert.Equal(t, "5000", bal.CreditsPosted)
	assert.Equal(t, "12500", bal.DebitsPosted)
	assert.Equal(t, "-7500", bal.NetMinorUnits.String())

	var list []balanceView
	c.runJSON(&list, "balances", "alice")
	require.Len(t, list, 1)
	assert.Equal(t, bal.AccountID, list[0].AccountID)

	// AND: the original transfer points at its reversal
	var tr transferView
	c.runJSON(&tr, "transfer", "c1")
	assert.Equal(t, "c1", tr.ReferenceID)
	assert.Equal(t, void.TransferID, tr.VoidTransferID)
	assert.Equal(t, uint64(5000), tr.Transfer.Amount)

	// AND: the books balance
	var report []verifyView
	c.runJSON(&report, "verify")
	require.Len(t, report, 1)
	assert.True(t, report[0].Balanced)
	assert.Equal(t, ledger.PartitionID(840), report[0].Partition)
}

func TestWalletctl_Partitions(t *testing.T) {
	c := newCLI(t)

	var parts []ledger.PartitionEntry
	c.runJSON(&parts, "partitions")
	assert.Equal(t, []ledger.PartitionEntry{{ID: 840, Currency: "USD", Country: "US"}}, parts)
}

func TestWalletctl_Rejections(t *testing.T) {
	c := newCLI(t)

	// Missing key flags
	_, err := c.run("credit", "10", "--ref", "r1")
	assert.Error(t, err)

	// Not a number
	_, err = c.run(append([]string{"credit", "ten", "--ref", "r1"}, aliceFlags...)...)
	assert.ErrorIs(t, err, ledger.ErrAmountOutOfRange)
	assert.Equal(t, exitRejected, exitCode(err))

	// Unknown reference
	_, err = c.run("void", "nope")
	assert.ErrorIs(t, err, ledger.ErrTransferNotFound)
	assert.Equal(t, exitRejected, exitCode(err))

	// Unknown transfer
	_, err = c.run("transfer", "nope")
	assert.True(t, ledger.IsNotFound(err))
}

func TestWalletctl_BuildFailure(t *testing.T) {
	boom := errors.New("boom")
	root := newRootCmd(func(context.Context, string) (*factory.App, error) { return nil, boom })
	root.SetArgs([]string{"partitions"})
	root.SetOut(&bytes.Buffer{})

	assert.ErrorIs(t, root.Execute(), boom)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("plain"), exitFailure},
		{ledger.ErrExceedsCredits, exitRejected},
		{fmt.Errorf("wrap: %w", wallet.ErrReferenceMismatch), exitRejected},
		{ledger.StorageFailure("apply", errors.New("disk")), exitRetryable},
		{ledger.ErrConservationViolated, exitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
