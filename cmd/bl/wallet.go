package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bidline/internal/domain"
	"bidline/internal/engine"
)

func walletCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "wallet",
		Short: "Wallets and the ledger",
		Long:  "Every money movement is an immutable ledger row; the cached balance must always equal the sum of completed rows ('bl wallet verify').",
	}
	w.AddCommand(walletShowCmd())
	w.AddCommand(walletAddMoneyCmd())
	w.AddCommand(walletWithdrawCmd())
	w.AddCommand(walletPurchaseCreditCmd())
	w.AddCommand(walletRefundCmd())
	w.AddCommand(walletTxCmd("confirm", "Confirm a pending transaction", engine.Engine.ConfirmTransaction))
	w.AddCommand(walletTxCmd("fail", "Fail a pending transaction", engine.Engine.FailTransaction))
	w.AddCommand(walletTransactionsCmd())
	w.AddCommand(walletVerifyCmd())
	return w
}

// userArg defaults to --actor-id when no user is given.
func userArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return actorID()
}

func walletShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [user-id]",
		Short: "Show a wallet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWallet(ctx, userArg(args))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				tw := newTable(table.Row{"User", "Balance", "Credit", "Updated"})
				tw.AppendRow(table.Row{w.UserID, w.Balance, w.CreditBalance, w.UpdatedAt})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func walletAddMoneyCmd() *cobra.Command {
	var amount int64
	var pending bool
	cmd := &cobra.Command{
		Use:   "add-money [user-id]",
		Short: "Top up a wallet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddMoney(ctx, userArg(args), amount, pending)
				if err != nil {
					return err
				}
				return printTransactions([]domain.Transaction{t})
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	cmd.Flags().BoolVar(&pending, "pending", false, "record as pending until confirmed")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func walletWithdrawCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "withdraw [user-id]",
		Short: "Withdraw from a wallet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Withdraw(ctx, userArg(args), amount)
				if err != nil {
					return err
				}
				return printTransactions([]domain.Transaction{t})
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func walletPurchaseCreditCmd() *cobra.Command {
	var price, credits int64
	cmd := &cobra.Command{
		Use:   "purchase-credit [user-id]",
		Short: "Buy bidding credit with wallet balance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.PurchaseCredit(ctx, userArg(args), price, credits)
				if err != nil {
					return err
				}
				return printTransactions(rows)
			})
		},
	}
	cmd.Flags().Int64Var(&price, "price", 0, "balance debited")
	cmd.Flags().Int64Var(&credits, "credits", 0, "credit granted")
	_ = cmd.MarkFlagRequired("price")
	_ = cmd.MarkFlagRequired("credits")
	return cmd
}

func walletRefundCmd() *cobra.Command {
	var amount int64
	var bookingID string
	cmd := &cobra.Command{
		Use:   "refund <user-id>",
		Short: "Refund a user for a booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Refund(ctx, args[0], amount, bookingID, actorID())
				if err != nil {
					return err
				}
				return printTransactions([]domain.Transaction{t})
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	cmd.Flags().StringVar(&bookingID, "booking", "", "booking being refunded")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("booking")
	return cmd
}

type txStep func(engine.Engine, context.Context, string, string) (domain.Transaction, error)

func walletTxCmd(use, short string, step txStep) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <transaction-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := step(e, ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printTransactions([]domain.Transaction{t})
			})
		},
	}
	return cmd
}

func walletTransactionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transactions [user-id]",
		Short: "List ledger rows, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.Transactions(ctx, userArg(args), limit)
				if err != nil {
					return err
				}
				return printTransactions(rows)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func walletVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [user-id]",
		Short: "Check the cached balances against the ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.VerifyLedger(ctx, userArg(args))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(c); err != nil {
						return err
					}
				} else {
					tw := newTable(table.Row{"User", "Balance", "Ledger", "Credit", "Ledger credit", "Consistent"})
					tw.AppendRow(table.Row{c.UserID, c.Balance, c.LedgerBalance, c.CreditBalance, c.LedgerCredit, c.Consistent})
					tw.Render()
				}
				if !c.Consistent {
					return fmt.Errorf("wallet of %s drifted from its ledger", c.UserID)
				}
				return nil
			})
		},
	}
	return cmd
}

func printTransactions(rows []domain.Transaction) error {
	if viper.GetBool("json") {
		return printJSON(rows)
	}
	tw := newTable(table.Row{"ID", "Account", "Amount", "Type", "Status", "Booking", "Description", "Created"})
	for _, t := range rows {
		tw.AppendRow(table.Row{t.ID, t.Account, t.Amount, t.Type, t.Status, t.BookingID, t.Description.EN, t.CreatedAt})
	}
	tw.Render()
	return nil
}
