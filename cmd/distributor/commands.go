package main

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yourorg/stake-reward-distributor/internal/model"
	"github.com/yourorg/stake-reward-distributor/internal/settlement"
	"github.com/yourorg/stake-reward-distributor/internal/store"
	"github.com/yourorg/stake-reward-distributor/internal/verify"
)

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "distributor",
		Short: "Compute and settle daily staking rewards",
		Long: `Computes the daily reward payout table from live market and stake data and
settles it as token transfers.

Without a subcommand the table is only previewed. State-changing commands
require --confirm.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(cmd, opts)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.date, "date", "", "run date (YYYY-MM-DD, default today UTC)")
	pf.StringVar(&opts.configPath, "config", "", "JSON configuration file")
	pf.StringVar(&opts.envFile, "env-file", defaultEnvFile, "environment file loaded before configuration")
	pf.StringVar(&opts.transferMode, "transfer-mode", "", "separate or combined (overrides TRANSFER_MODE)")
	pf.StringVar(&opts.snapshot, "snapshot", "", "use a recorded stake snapshot (JSON) instead of the live sources")
	pf.BoolVar(&opts.force, "force", false, "re-execute an already executed date and ignore the market anomaly guard")

	root.AddCommand(
		newPreviewCmd(opts),
		newExecuteCmd(opts),
		newResendCmd(opts),
		newVerifyCmd(opts),
		newStatusCmd(opts),
	)
	return root
}

// previewResult is what preview prints.
type previewResult struct {
	Table     model.PayoutTable  `json:"table"`
	Mode      model.TransferMode `json:"transfer_mode,omitempty"`
	Transfers int                `json:"transfers,omitempty"`
	Total     decimal.Decimal    `json:"total"`
}

func newPreviewCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "preview",
		Short: "Compute the payout table without submitting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(cmd, opts)
		},
	}
}

func runPreview(cmd *cobra.Command, opts *options) error {
	a, err := newApp(cmd.OutOrStdout(), opts)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.pipeline()
	if err != nil {
		return err
	}
	table, err := p.Compute(cmd.Context(), a.date, a.force)
	if err != nil {
		return err
	}

	result := previewResult{Table: table, Total: table.Total()}
	if mode, err := model.ParseTransferMode(a.cfg.Settlement.TransferMode); err == nil {
		plan, err := settlement.BuildPlan(table, mode)
		if err != nil {
			return err
		}
		result.Mode = mode
		result.Transfers = len(plan.Items)
	}
	a.report(cmd.Context(), "preview", result, nil)
	return nil
}

func newExecuteCmd(opts *options) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Compute the payout table and submit its transfers",
		Long: `Computes the payout table for the run date and submits every transfer.

A date runs once: executing it again is refused unless --force is given, in
which case the previous run is archived. An interrupted run is continued with
resend, not execute.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("execute submits transfers; pass --confirm to proceed")
			}
			a, err := newApp(cmd.OutOrStdout(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			mode, err := model.ParseTransferMode(a.cfg.Settlement.TransferMode)
			if err != nil {
				return err
			}
			p, err := a.pipeline()
			if err != nil {
				return err
			}
			b, err := a.batcher(cmd.Context())
			if err != nil {
				return err
			}

			_, summary, err := p.Execute(cmd.Context(), a.date, mode, a.force, b)
			a.report(cmd.Context(), "execute", orNotStarted(summary, a.date), err)
			if err != nil && settlement.IsRetryable(err) {
				logrus.WithField("run_date", a.date).Warn("Run not finished; continue it with: resend --confirm --include-pending")
			}
			if summary.Unknown > 0 {
				logrus.WithFields(logrus.Fields{
					"run_date": a.date,
					"unknown":  summary.Unknown,
				}).Warn("Some transfers may have landed; run verify --full before resending them by --address")
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "actually submit transfers")
	return cmd
}

func newResendCmd(opts *options) *cobra.Command {
	var (
		confirm        bool
		addresses      []string
		includePending bool
	)
	cmd := &cobra.Command{
		Use:   "resend",
		Short: "Resubmit the failed transfers of a run",
		Long: `Resubmits the failed transfers of the run date with fresh sequence numbers.

Transfers that never left an interrupted run are included with
--include-pending. Transfers with a verification finding, and transfers
whose submission outcome is unknown, are only resent when their recipient is
named with --address. Run verify first: it resolves unknown outcomes that
did reach the ledger.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("resend submits transfers; pass --confirm to proceed")
			}
			a, err := newApp(cmd.OutOrStdout(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ro := settlement.ResendOptions{
				Mode:           model.TransferMode(a.cfg.Settlement.TransferMode),
				IncludePending: includePending,
			}
			for _, s := range addresses {
				addr, err := model.ParseAddress(s)
				if err != nil {
					return err
				}
				ro.Addresses = append(ro.Addresses, addr)
			}

			b, err := a.batcher(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := b.Resend(cmd.Context(), a.date, ro)
			a.report(cmd.Context(), "resend", orNotStarted(summary, a.date), err)
			return err
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "actually submit transfers")
	cmd.Flags().StringSliceVar(&addresses, "address", nil, "limit the resend to these recipients (repeatable)")
	cmd.Flags().BoolVar(&includePending, "include-pending", false, "also send transfers an interrupted run never attempted")
	return cmd
}

func newVerifyCmd(opts *options) *cobra.Command {
	var (
		full   bool
		sample int
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check submitted transfers against the ledger's event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.OutOrStdout(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			v, err := a.verifier(cmd.Context())
			if err != nil {
				return err
			}
			head := a.cfg.Verify.SampleHead
			if cmd.Flags().Changed("sample") {
				head = sample
			}
			report, err := v.Verify(cmd.Context(), a.date, verify.Options{
				Full:       full,
				SampleHead: head,
				Workers:    a.cfg.Verify.Workers,
			})
			if err != nil {
				return err
			}
			a.report(cmd.Context(), "verify", report, nil)
			if report.Summary.Mismatched > 0 {
				return fmt.Errorf("%w: %d transfer(s) need operator attention", model.ErrVerificationMismatch, report.Summary.Mismatched)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "check every transfer instead of a sample")
	cmd.Flags().IntVar(&sample, "sample", 0, "number of leading transfers a sample includes")
	return cmd
}

// statusResult is what status prints.
type statusResult struct {
	Summary *model.RunSummary `json:"summary,omitempty"`
	Run     *model.Run        `json:"run,omitempty"`
	Marker  *store.DoneMarker `json:"marker,omitempty"`
	Dates   []string          `json:"dates,omitempty"`
}

func newStatusCmd(opts *options) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted state of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.OutOrStdout(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			var result statusResult
			if list {
				if result.Dates, err = a.store.RunDates(); err != nil {
					return err
				}
			}

			run, err := a.store.GetRun(a.date)
			switch {
			case errors.Is(err, model.ErrRunNotFound):
				summary := orNotStarted(model.RunSummary{}, a.date)
				result.Summary = &summary
			case err != nil:
				return err
			default:
				records, err := a.store.Records(a.date)
				if err != nil {
					return err
				}
				summary := model.Summarize(run, records)
				result.Summary = &summary
				result.Run = &run
				marker, done, err := a.store.Done(a.date)
				if err != nil {
					return err
				}
				if done {
					result.Marker = &marker
				}
			}

			a.report(cmd.Context(), "status", result, nil)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "also list every date with a recorded run")
	return cmd
}

// orNotStarted stands in an empty summary for a command that stopped before
// any transfer was recorded, so every command still prints one.
func orNotStarted(s model.RunSummary, date string) model.RunSummary {
	if s.RunDate != "" {
		return s
	}
	return model.Summarize(model.Run{RunDate: date, Status: model.RunNotStarted}, nil)
}
