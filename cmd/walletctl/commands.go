package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/wallet-ledger/factory"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/wallet"
)

type appBuilder func(ctx context.Context, configPath string) (*factory.App, error)

// Exit codes let scripts tell a declined request from a broken ledger.
const (
	exitFailure   = 1
	exitRejected  = 2
	exitRetryable = 3
	exitFatal     = 4
)

func exitCode(err error) int {
	switch {
	case ledger.IsFatal(err):
		return exitFatal
	case ledger.IsRetryable(err):
		return exitRetryable
	case ledger.IsValidationError(err), ledger.IsBusinessRejection(err),
		ledger.IsNotFound(err), errors.Is(err, wallet.ErrReferenceMismatch):
		return exitRejected
	default:
		return exitFailure
	}
}

func newRootCmd(build appBuilder) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "walletctl",
		Short:         "Operate a double-entry wallet ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "wallet.yaml", "Path to the YAML config file")

	// withApp runs fn against a freshly wired App and closes it afterwards.
	withApp := func(fn func(ctx context.Context, app *factory.App, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			app, err := build(ctx, configPath)
			if err != nil {
				return err
			}
			defer app.Close()
			return fn(ctx, app, cmd.OutOrStdout())
		}
	}

	root.AddCommand(
		balanceCmd(withApp),
		postCmd("credit", "Credit a wallet from the partition reserve", withApp,
			func(s *wallet.Service) postFunc { return s.ApplyCredit }),
		postCmd("debit", "Debit a wallet into the partition expense account", withApp,
			func(s *wallet.Service) postFunc { return s.ApplyDebit }),
		voidCmd(withApp),
		balancesCmd(withApp),
		transferCmd(withApp),
		partitionsCmd(withApp),
		verifyCmd(withApp),
	)
	return root
}

type runWithApp func(fn func(ctx context.Context, app *factory.App, out io.Writer) error) func(*cobra.Command, []string) error

type postFunc func(ctx context.Context, key ledger.AccountKey, amount decimal.Decimal, referenceID string) (wallet.Result, error)

// =============================================================================
// WALLET COMMANDS
// =============================================================================

type keyFlags struct {
	client, country, currency, issuer string
}

func (k *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&k.client, "client", "", "Client id")
	cmd.Flags().StringVar(&k.country, "country", "", "ISO country code")
	cmd.Flags().StringVar(&k.currency, "currency", "", "ISO currency code")
	cmd.Flags().StringVar(&k.issuer, "issuer", "", "Issuer id (optional)")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("country")
	_ = cmd.MarkFlagRequired("currency")
}

func (k *keyFlags) key() ledger.AccountKey {
	return ledger.AccountKey{ClientID: k.client, Country: k.country, Currency: k.currency, IssuerID: k.issuer}
}

func balanceCmd(withApp runWithApp) *cobra.Command {
	var kf keyFlags
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show the balance of one wallet",
		Args:  cobra.NoArgs,
	}
	kf.register(cmd)
	cmd.RunE = withApp(func(ctx context.Context, app *factory.App, out io.Writer) error {
		b, err := app.Wallet.GetBalance(ctx, kf.key())
		if err != nil {
			return err
		}
		return printJSON(out, newBalanceView(b))
	})
	return cmd
}

func postCmd(use, short string, withApp runWithApp, op func(*wallet.Service) postFunc) *cobra.Command {
	var (
		kf  keyFlags
		ref string
	)
	cmd := &cobra.Command{
		Use:   use + " AMOUNT",
		Short: short,
		Args:  cobra.ExactArgs(1),
	}
	kf.register(cmd)
	cmd.Flags().StringVar(&ref, "ref", "", "Reference id; retrying with the same id is safe")
	_ = cmd.MarkFlagRequired("ref")

	cmd.RunE = func(c *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[0])
		if err != nil {
			return fmt.Errorf("%w: %q is not a decimal amount", ledger.ErrAmountOutOfRange, args[0])
		}
		return withApp(func(ctx context.Context, app *factory.App, out io.Writer) error {
			res, err := op(app.Wallet)(ctx, kf.key(), amount, ref)
			if err != nil {
				return err
			}
			return printJSON(out, newResultView(res))
		})(c, args)
	}
	return cmd
}

func voidCmd(withApp runWithApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "void REF",
		Short: "Reverse the credit or debit recorded under a reference id",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *factory.App, out io.Writer) error {
			res, err := app.Wallet.VoidByReference(ctx, args[0])
			if err != nil && !errors.Is(err, ledger.ErrVoidUnmarked) {
				return err
			}
			if perr := printJSON(out, newResultView(res)); perr != nil {
				return perr
			}
			// The reversal is applied; the error asks for a rerun.
			return err
		})(c, args)
	}
	return cmd
}

func balancesCmd(withApp runWithApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balances CLIENT",
		Short: "List every wallet of a client",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *factory.App, out io.Writer) error {
			list, err := app.Wallet.ListBalances(ctx, args[0])
			if err != nil {
				return err
			}
			views := make([]balanceView, 0, len(list))
			for _, b := range list {
				views = append(views, newBalanceView(b))
			}
			return printJSON(out, views)
		})(c, args)
	}
	return cmd
}

// =============================================================================
// LEDGER COMMANDS
// =============================================================================

func transferCmd(withApp runWithApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer ID_OR_REF",
		Short: "Show an applied transfer with the balances it produced",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *factory.App, out io.Writer) error {
			id := ledger.TransferID(args[0])
			view := transferView{}
			if meta, err := app.Backend.Index.Get(ctx, args[0]); err == nil {
				id = meta.TransferID
				view.ReferenceID = meta.ReferenceID
				view.VoidTransferID = string(meta.VoidTransferID)
			} else if !errors.Is(err, ledger.ErrTransferNotFound) {
				return err
			}
			at, err := app.Ledger.Transfer(ctx, id)
			if err != nil {
				return err
			}
			view.AppliedTransfer = at
			return printJSON(out, view)
		})(c, args)
	}
	return cmd
}

func partitionsCmd(withApp runWithApp) *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "List the configured ledger partitions",
		Args:  cobra.NoArgs,
		RunE: withApp(func(_ context.Context, app *factory.App, out io.Writer) error {
			return printJSON(out, app.Partitioner.Partitions())
		}),
	}
}

func verifyCmd(withApp runWithApp) *cobra.Command {
	var partition uint32
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that credits equal debits in each partition",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().Uint32Var(&partition, "partition", 0, "Partition id (0 checks every partition)")
	cmd.RunE = withApp(func(ctx context.Context, app *factory.App, out io.Writer) error {
		ids := []ledger.PartitionID{ledger.PartitionID(partition)}
		if partition == 0 {
			ids = ids[:0]
			for _, p := range app.Partitioner.Partitions() {
				ids = append(ids, p.ID)
			}
		}

		var (
			report []verifyView
			failed error
		)
		for _, id := range ids {
			totals, err := app.Ledger.VerifyConservation(ctx, id)
			if err != nil && !errors.Is(err, ledger.ErrConservationViolated) {
				return err
			}
			if err != nil && failed == nil {
				failed = err
			}
			report = append(report, verifyView{
				Partition:     id,
				Accounts:      totals.Accounts,
				CreditsPosted: totals.CreditsPosted,
				DebitsPosted:  totals.DebitsPosted,
				Balanced:      err == nil,
			})
		}
		if err := printJSON(out, report); err != nil {
			return err
		}
		return failed
	})
	return cmd
}

// =============================================================================
// OUTPUT
// =============================================================================

type balanceView struct {
	ClientID      string          `json:"client_id"`
	Country       string          `json:"country"`
	Currency      string          `json:"currency"`
	IssuerID      string          `json:"issuer_id,omitempty"`
	AccountID     string          `json:"account_id"`
	CreditsPosted string          `json:"credits_posted"`
	DebitsPosted  string          `json:"debits_posted"`
	NetMinorUnits decimal.Decimal `json:"net_minor_units"`
	Net           decimal.Decimal `json:"net"`
}

func newBalanceView(b wallet.Balance) balanceView {
	return balanceView{
		ClientID:      b.Key.ClientID,
		Country:       b.Key.Country,
		Currency:      b.Key.Currency,
		IssuerID:      b.Key.IssuerID,
		AccountID:     b.AccountID.String(),
		CreditsPosted: strconv.FormatUint(b.CreditsPosted, 10),
		DebitsPosted:  strconv.FormatUint(b.DebitsPosted, 10),
		NetMinorUnits: b.NetMinorUnits,
		Net:           b.Net,
	}
}

type resultView struct {
	TransferID  string          `json:"transfer_id"`
	ReferenceID string          `json:"reference_id"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Replayed    bool            `json:"replayed"`
	Balance     balanceView     `json:"balance"`
}

func newResultView(r wallet.Result) resultView {
	return resultView{
		TransferID:  string(r.TransferID),
		ReferenceID: r.ReferenceID,
		Kind:        string(r.Kind),
		Amount:      r.Amount,
		Replayed:    r.Replayed,
		Balance:     newBalanceView(r.Balance),
	}
}

type transferView struct {
	ledger.AppliedTransfer
	ReferenceID    string `json:"reference_id,omitempty"`
	VoidTransferID string `json:"void_transfer_id,omitempty"`
}

type verifyView struct {
	Partition     ledger.PartitionID `json:"partition"`
	Accounts      int                `json:"accounts"`
	CreditsPosted decimal.Decimal    `json:"credits_posted"`
	DebitsPosted  decimal.Decimal    `json:"debits_posted"`
	Balanced      bool               `json:"balanced"`
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
