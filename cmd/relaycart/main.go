package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaycart/internal/cart"
	"github.com/agentworkforce/relaycart/internal/cartsession"
	"github.com/agentworkforce/relaycart/internal/config"
	"github.com/agentworkforce/relaycart/internal/logging"
	"github.com/agentworkforce/relaycart/internal/session"
)

type rootOptions struct {
	configPath string
	baseURL    string
	storageDSN string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "relaycart",
		Short:         "Shopping cart client with local persistence and session-aware sync",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", strings.TrimSpace(os.Getenv("RELAYCART_CONFIG")), "YAML config file")
	root.PersistentFlags().StringVar(&opts.baseURL, "base-url", "", "cart API base URL (overrides config)")
	root.PersistentFlags().StringVar(&opts.storageDSN, "storage", "", "storage DSN: file://dir, memory://name or postgres://... (overrides config)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides config)")

	root.AddCommand(
		newShowCmd(opts),
		newAddCmd(opts),
		newRemoveCmd(opts),
		newUpdateCmd(opts),
		newClearCmd(opts),
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.baseURL != "" {
		cfg.API.BaseURL = o.baseURL
	}
	if o.storageDSN != "" {
		cfg.Storage.DSN = o.storageDSN
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

// withApp builds and starts a client, runs fn, and tears the client down.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.ErrOrStderr()
	notifier := cartsession.NotifierFunc(func(_ context.Context, n cartsession.Notification) {
		if n.Err != nil {
			fmt.Fprintf(out, "%s: %s (%v)\n", n.Level, n.Message, n.Err)
			return
		}
		fmt.Fprintf(out, "%s: %s\n", n.Level, n.Message)
	})
	a, err := newApp(ctx, cfg, logger, notifier)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("shutdown failed", zap.Error(err))
		}
	}()
	if err := a.start(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(_ context.Context, a *app) error {
				return printCart(cmd.OutOrStdout(), a.ctrl.View())
			})
		},
	}
}

func newAddCmd(opts *rootOptions) *cobra.Command {
	var name, imageURL string
	var price float64
	cmd := &cobra.Command{
		Use:   "add PRODUCT_ID [QUANTITY]",
		Short: "Add a product to the cart",
		Long: `Adds QUANTITY (default 1) of a product. Signed-out carts only know products
they already hold, so pass --name and --price to add a new one.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			quantity, err := quantityArg(args, 1, 1)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				if cmd.Flags().Changed("name") || cmd.Flags().Changed("price") {
					product := cart.Product{ID: args[0], Name: name, Price: price, ImageURL: imageURL}
					err = a.ctrl.AddProduct(ctx, product, quantity)
				} else {
					err = a.ctrl.AddToCart(ctx, args[0], quantity)
				}
				if err != nil {
					return err
				}
				return printCart(cmd.OutOrStdout(), a.ctrl.View())
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "product name")
	cmd.Flags().Float64Var(&price, "price", 0, "unit price")
	cmd.Flags().StringVar(&imageURL, "image-url", "", "product image URL")
	return cmd
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove PRODUCT_ID",
		Short: "Remove a product from the cart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.ctrl.RemoveFromCart(ctx, args[0]); err != nil {
					return err
				}
				return printCart(cmd.OutOrStdout(), a.ctrl.View())
			})
		},
	}
}

func newUpdateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update PRODUCT_ID QUANTITY",
		Short: "Set the quantity of a product",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			quantity, err := quantityArg(args, 1, 0)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.ctrl.UpdateQuantity(ctx, args[0], quantity); err != nil {
					return err
				}
				return printCart(cmd.OutOrStdout(), a.ctrl.View())
			})
		},
	}
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Empty the cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.ctrl.ClearCart(ctx); err != nil {
					return err
				}
				return printCart(cmd.OutOrStdout(), a.ctrl.View())
			})
		},
	}
}

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var userID, email, token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a credential and merge the local cart into the account cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(token) == "" {
				token = strings.TrimSpace(os.Getenv("RELAYCART_TOKEN"))
			}
			if token == "" {
				return fmt.Errorf("token is required (--token or RELAYCART_TOKEN)")
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				user := session.Identity{ID: userID, Email: email}
				if err := a.session.SignIn(ctx, user, session.Credential(token)); err != nil {
					return err
				}
				return printCart(cmd.OutOrStdout(), a.ctrl.View())
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	return cmd
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the credential; the local cart is kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				a.session.SignOut(ctx)
				return printCart(cmd.OutOrStdout(), a.ctrl.View())
			})
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the cart whenever it changes, including changes from other clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				addr := metricsAddr
				if addr == "" {
					addr = a.cfg.API.MetricsAddr
				}
				a.serveMetrics(ctx, addr)

				out := cmd.OutOrStdout()
				if err := printCart(out, a.ctrl.View()); err != nil {
					return err
				}
				cancel := a.ctrl.Subscribe(func(v cartsession.View) {
					fmt.Fprintln(out)
					_ = printCart(out, v)
				})
				defer cancel()
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func quantityArg(args []string, index, fallback int) (int, error) {
	if len(args) <= index {
		return fallback, nil
	}
	quantity, err := strconv.Atoi(strings.TrimSpace(args[index]))
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q", args[index])
	}
	return quantity, nil
}

func printCart(w io.Writer, v cartsession.View) error {
	if v.Len() == 0 {
		_, err := fmt.Fprintln(w, "cart is empty")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tNAME\tQTY\tPRICE\tSUBTOTAL")
	for _, item := range v.Items() {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\t%.2f\n",
			item.Product.ID, item.Product.Name, item.Quantity, item.Product.Price, item.Product.Price*float64(item.Quantity))
	}
	fmt.Fprintf(tw, "\t\t%d\t\t%.2f\n", v.Count(), v.Total())
	return tw.Flush()
}
