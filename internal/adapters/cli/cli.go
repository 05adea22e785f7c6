package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"inventory-ledger/internal/core"

	"github.com/spf13/cobra"
)

// ErrInconsistent is returned by reconcile when any replayed ledger disagrees
// with its inventory record.
var ErrInconsistent = errors.New("ledger inconsistent")

// ServiceFactory opens the inventory service and returns a release func.
type ServiceFactory func(ctx context.Context) (core.InventoryService, func(), error)

// Migrator applies the embedded schema.
type Migrator func(ctx context.Context) error

// Options wires the commands to their dependencies.
type Options struct {
	Service ServiceFactory
	Migrate Migrator
}

// NewRootCommand creates the inventoryctl command tree.
func NewRootCommand(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "inventoryctl",
		Short:         "Operate the inventory ledger from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newReceiveCommand(opts))
	cmd.AddCommand(newSaleCommand(opts))
	cmd.AddCommand(newAnalyticsCommand(opts))

	return cmd
}

func newMigrateCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migration successful.")
			return nil
		},
	}
}

func newReconcileCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <inventory-id>...",
		Short: "Replay movement ledgers and compare them with current stock",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, release, err := opts.Service(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, strings.Repeat("=", 72))
			fmt.Fprintf(out, "  %-36s %9s %9s %9s  %s\n", "INVENTORY", "MOVES", "REPLAYED", "CURRENT", "STATUS")
			fmt.Fprintln(out, strings.Repeat("-", 72))

			bad := 0
			for _, id := range args {
				res, err := svc.Reconcile(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("reconcile %s: %w", id, err)
				}
				status := "OK"
				if !res.Consistent {
					bad++
					status = "MISMATCH"
					if res.BrokenAtSeq != nil {
						status = fmt.Sprintf("BROKEN at seq %d", *res.BrokenAtSeq)
					}
				}
				fmt.Fprintf(out, "  %-36s %9d %9d %9d  %s\n",
					res.InventoryID, res.Movements, res.ReplayedOnHand, res.CurrentOnHand, status)
			}
			fmt.Fprintln(out, strings.Repeat("=", 72))

			if bad > 0 {
				return fmt.Errorf("%w: %d of %d records", ErrInconsistent, bad, len(args))
			}
			return nil
		},
	}
}

func newReceiveCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "receive",
		Short: "Receive a purchase read as JSON from stdin (no realtime events)",
		Long: `Receive a purchase read as JSON from stdin.

The command writes straight to the database. Realtime subscribers and stock
alerts are served by the server process, so changes made here are not
broadcast; clients see them on their next read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in core.ReceivePurchaseInput
			if err := decodeInput(cmd.InOrStdin(), &in); err != nil {
				return err
			}
			svc, release, err := opts.Service(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			res, err := svc.ReceivePurchase(cmd.Context(), in)
			if err != nil {
				return fmt.Errorf("receive failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newSaleCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "sale",
		Short: "Record a sale read as JSON from stdin (no realtime events)",
		Long: `Record a sale read as JSON from stdin.

The command writes straight to the database. Realtime subscribers and stock
alerts are served by the server process, so changes made here are not
broadcast; clients see them on their next read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in core.RecordSaleInput
			if err := decodeInput(cmd.InOrStdin(), &in); err != nil {
				return err
			}
			svc, release, err := opts.Service(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			res, err := svc.RecordSale(cmd.Context(), in)
			if err != nil {
				var ise *core.InsufficientStockError
				if errors.As(err, &ise) {
					for _, s := range ise.Shortages {
						fmt.Fprintf(cmd.ErrOrStderr(), "  short %s @ %s: requested %d, available %d\n",
							s.ProductID, s.WarehouseID, s.Requested, s.Available)
					}
				}
				return fmt.Errorf("sale failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newAnalyticsCommand(opts Options) *cobra.Command {
	var f core.AnalyticsFilter
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Print stock totals and the movement mix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, release, err := opts.Service(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			a, err := svc.GetInventoryAnalytics(cmd.Context(), f)
			if err != nil {
				return err
			}
			printAnalytics(cmd.OutOrStdout(), a)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.WarehouseID, "warehouse", "", "restrict to one warehouse")
	cmd.Flags().StringVar(&f.ProductID, "product", "", "restrict to one product")
	return cmd
}

func decodeInput(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAnalytics(w io.Writer, a *core.InventoryAnalytics) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("=", 62))
	fmt.Fprintf(w, "  %-58s\n", "INVENTORY ANALYTICS")
	fmt.Fprintln(w, strings.Repeat("=", 62))
	fmt.Fprintf(w, "  %-30s %29d\n", "Records", a.Records)
	fmt.Fprintf(w, "  %-30s %29d\n", "On hand", a.TotalOnHand)
	fmt.Fprintf(w, "  %-30s %29d\n", "Available", a.TotalAvailable)
	fmt.Fprintf(w, "  %-30s %29d\n", "Reserved", a.TotalReserved)
	fmt.Fprintf(w, "  %-30s %29s\n", "Stock value", a.StockValue.StringFixed(2))
	fmt.Fprintln(w, strings.Repeat("-", 62))
	for _, item := range a.LowStockItems {
		fmt.Fprintf(w, "  LOW  %-20s %-20s %14d\n", item.ProductID, item.WarehouseID, item.QuantityAvailable)
	}
	fmt.Fprintln(w, strings.Repeat("=", 62))
}
