package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/tokenguard/internal/domain"
	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
)

type opener func() (*stores, error)

func identityFrom(user, guestID string) (identity.Identity, error) {
	switch {
	case user != "" && guestID != "":
		return identity.Identity{}, errors.New("--user and --guest are mutually exclusive")
	case user != "":
		return identity.Member(user), nil
	default:
		return identity.Guest(guestID), nil
	}
}

func printState(id identity.Identity, st budget.State) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "IDENTITY\tBUDGET\tUSED\tREMAINING\tUSAGE\n")
	fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%d%%\n",
		id, st.TokenBudget(), st.TokensUsed(),
		budget.FormatTokens(st.BudgetRemaining()),
		budget.UsagePercentage(st.TokensUsed(), st.TokenBudget()),
	)
	_ = w.Flush()
}

func newStateCmd(open opener) *cobra.Command {
	var user, guestID string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the token state and lifetime usage of an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityFrom(user, guestID)
			if err != nil {
				return err
			}
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()

			report := s.tokens.Report(cmd.Context(), id)
			printState(id, report.State())
			m := report.Metrics()
			fmt.Printf("\ncalls: %d  tokens: %d  estimated cost: $%.4f\n", m.Calls(), m.Tokens(), m.EstimatedCost())
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "member user id")
	cmd.Flags().StringVar(&guestID, "guest", "", "guest id (default namespace if empty)")
	return cmd
}

func newUseCmd(open opener) *cobra.Command {
	var user, guestID, chatID, model string
	var prompt, completion int64
	var cost float64
	cmd := &cobra.Command{
		Use:   "use",
		Short: "Debit a completed model call",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityFrom(user, guestID)
			if err != nil {
				return err
			}
			s, err := open()
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.tokens.UseTokens(cmd.Context(), id, usage.Charge{
				ChatID:  chatID,
				ModelID: model,
				Usage:   usage.New(prompt, completion, cost),
			})
			if err != nil {
				return err
			}
			if res.Success {
				s.notify(id)
			} else {
				fmt.Println("debit rejected: budget exhausted")
			}
			printState(id, res.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "member user id")
	cmd.Flags().StringVar(&guestID, "guest", "", "guest id")
	cmd.Flags().StringVar(&chatID, "chat", "", "chat id recorded in the usage log")
	cmd.Flags().StringVar(&model, "model", "", "model id recorded in the usage log")
	cmd.Flags().Int64Var(&prompt, "prompt", 0, "prompt tokens")
	cmd.Flags().Int64Var(&completion, "completion", 0, "completion tokens")
	cmd.Flags().Float64Var(&cost, "cost", 0, "estimated cost in dollars")
	return cmd
}

func newBudgetCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage member token budgets",
	}

	setCmd := &cobra.Command{
		Use:   "set <user-id> <tokens>",
		Short: "Set a member's token ceiling",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || tokens < 0 {
				return fmt.Errorf("tokens must be a non-negative integer, got %q", args[1])
			}
			return withStores(cmd.Context(), open, func(ctx context.Context, s *stores) error {
				if err := s.members.SetBudget(ctx, args[0], tokens); err != nil {
					return err
				}
				s.notify(identity.Member(args[0]))
				printState(identity.Member(args[0]), s.tokens.LoadTokenState(ctx, identity.Member(args[0])))
				return nil
			})
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset <user-id>",
		Short: "Zero a member's token usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd.Context(), open, func(ctx context.Context, s *stores) error {
				if err := s.members.Reset(ctx, args[0]); err != nil {
					return err
				}
				s.notify(identity.Member(args[0]))
				printState(identity.Member(args[0]), s.tokens.LoadTokenState(ctx, identity.Member(args[0])))
				return nil
			})
		},
	}

	cmd.AddCommand(setCmd, resetCmd)
	return cmd
}

func newFlagCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flag",
		Short: "Manage budget feature flags",
	}

	var disabled bool
	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set " + domain.SettingDefaultTokenBudget + " or " + domain.SettingGuestTokenBudget,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if key != domain.SettingDefaultTokenBudget && key != domain.SettingGuestTokenBudget {
				return fmt.Errorf("unknown flag %q", key)
			}
			value, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || value < 0 {
				return fmt.Errorf("value must be a non-negative integer, got %q", args[1])
			}
			return withStores(cmd.Context(), open, func(ctx context.Context, s *stores) error {
				if err := s.flags.SetNumeric(ctx, key, value, !disabled); err != nil {
					return err
				}
				fmt.Printf("%s = %d (enabled: %t)\n", key, value, !disabled)
				fmt.Println("running servers pick it up after POST /api/v1/settings/refresh")
				return nil
			})
		},
	}
	setCmd.Flags().BoolVar(&disabled, "disabled", false, "store the flag disabled (readers use the fallback)")

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Show a flag's effective value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd.Context(), open, func(ctx context.Context, s *stores) error {
				v, err := s.flags.NumericValue(ctx, args[0])
				switch {
				case errors.Is(err, domain.ErrNotFound):
					fmt.Printf("%s unset, fallback %d\n", args[0], domain.SettingFallback(args[0]))
					return nil
				case err != nil:
					return err
				}
				fmt.Printf("%s = %d\n", args[0], v)
				return nil
			})
		},
	}

	cmd.AddCommand(setCmd, getCmd)
	return cmd
}

func withStores(ctx context.Context, open opener, fn func(context.Context, *stores) error) error {
	s, err := open()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
