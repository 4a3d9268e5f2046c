package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meridian-commerce/outbox/internal/ordering"
)

var cancelReason string

var ordersCmd = &cobra.Command{
	Use:     "orders",
	Short:   "Run the ordering sample use cases against the configured database",
	GroupID: "orders",
}

var ordersStockCmd = &cobra.Command{
	Use:   "stock <sku> <available>",
	Short: "Create a stock item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		available, err := strconv.Atoi(args[1])
		if err != nil || available < 0 {
			return fmt.Errorf("invalid available quantity %q", args[1])
		}

		repo := ordering.NewRepository(dbCtx.Dialect())
		if err := repo.CreateStockItem(cmd.Context(), db, args[0], available); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stock item %s created with %d available\n", args[0], available)
		return nil
	},
}

var ordersPlaceCmd = &cobra.Command{
	Use:   "place <order-id> <customer-id> <sku>=<quantity>...",
	Short: "Place an order, reserving stock for every line",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, err := parseLines(args[2:])
		if err != nil {
			return err
		}

		if err := newOrderingService().PlaceOrder(cmd.Context(), args[0], args[1], lines); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "order %s placed\n", args[0])
		return nil
	},
}

var ordersApproveCmd = &cobra.Command{
	Use:   "approve <order-id>",
	Short: "Approve a placed order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newOrderingService().ApproveOrder(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "order %s approved\n", args[0])
		return nil
	},
}

var ordersCancelCmd = &cobra.Command{
	Use:   "cancel <order-id>",
	Short: "Cancel an order and restore its stock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newOrderingService().CancelOrder(cmd.Context(), args[0], cancelReason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "order %s cancelled\n", args[0])
		return nil
	},
}

var ordersNotificationsCmd = &cobra.Command{
	Use:   "notifications <customer-id>",
	Short: "List the notifications projected for a customer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := ordering.NewRepository(dbCtx.Dialect())
		notifications, err := repo.ListNotifications(cmd.Context(), db, args[0])
		if err != nil {
			return err
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), notifications)
		}
		for _, n := range notifications {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", n.OrderID, n.Kind, n.EventID)
		}
		return nil
	},
}

func newOrderingService() *ordering.Service {
	return ordering.NewService(dbCtx, logger)
}

// parseLines parses order lines given as sku=quantity.
func parseLines(args []string) ([]ordering.Line, error) {
	lines := make([]ordering.Line, 0, len(args))
	for _, arg := range args {
		sku, qty, ok := strings.Cut(arg, "=")
		if !ok || sku == "" {
			return nil, fmt.Errorf("invalid order line %q, expected sku=quantity", arg)
		}
		n, err := strconv.Atoi(qty)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid quantity in order line %q", arg)
		}
		lines = append(lines, ordering.Line{SKU: sku, Quantity: n})
	}
	return lines, nil
}

func init() {
	ordersCancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "Cancellation reason recorded on the event")

	ordersCmd.AddCommand(ordersStockCmd)
	ordersCmd.AddCommand(ordersPlaceCmd)
	ordersCmd.AddCommand(ordersApproveCmd)
	ordersCmd.AddCommand(ordersCancelCmd)
	ordersCmd.AddCommand(ordersNotificationsCmd)
}
