// storefront is the command-line client of the storefront API.
//
// Usage:
//
//	storefront login <email> <password>         Sign in and store the session
//	storefront logout                           Revoke and clear the session
//	storefront cart [show]                      Show the cart (availability refreshed)
//	storefront cart add <product[:variant]> [n] Add n items (default 1)
//	storefront cart remove <product[:variant]>  Remove a line
//	storefront cart set <product[:variant]> <n> Set a line quantity (0 removes)
//	storefront cart clear                       Empty the cart
//	storefront checkout <address> [comment]     Place an order for the cart
//	storefront track <orderNumber>              Follow an order until it finishes
//	storefront orders [status]                  List orders (staff)
//	storefront status <orderId> <status> [c]    Move an order forward (staff)
//	storefront cancel <orderId> <reason>        Cancel an order with a reason
//	storefront categories [list]                List categories (staff)
//	storefront categories add <name>            Create a category
//	storefront categories rename <id> <name>    Rename a category
//	storefront categories delete <id>           Delete a category
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fjod/go_cart/storefront/internal/app"
	"github.com/fjod/go_cart/storefront/internal/config"
	"github.com/fjod/go_cart/storefront/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		printUsage(stderr)
		if len(args) == 0 {
			return 1
		}
		return 0
	}
	if args[0] == "version" || args[0] == "--version" {
		fmt.Fprintf(stdout, "storefront version %s\n", version)
		return 0
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(stderr, "storefront: %v\n", err)
		return 1
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Out: stderr})

	a, err := app.New(ctx, cfg, log, prometheus.NewRegistry(), &cliNavigator{out: stderr})
	if err != nil {
		fmt.Fprintf(stderr, "storefront: %v\n", err)
		return 1
	}
	defer a.Close()

	c := &cli{app: a, out: stdout}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "login":
		err = c.login(ctx, rest)
	case "logout":
		err = c.logout(ctx)
	case "cart":
		err = c.cart(ctx, rest)
	case "checkout":
		err = c.checkout(ctx, rest)
	case "track":
		err = c.track(ctx, rest)
	case "orders":
		err = c.orders(ctx, rest)
	case "status":
		err = c.status(ctx, rest)
	case "cancel":
		err = c.cancel(ctx, rest)
	case "categories":
		err = c.categories(ctx, rest)
	default:
		fmt.Fprintf(stderr, "storefront: unknown command %q\n\n", cmd)
		printUsage(stderr)
		return 1
	}

	if err != nil {
		fmt.Fprintf(stderr, "storefront: %v\n", err)
		return 1
	}
	return 0
}

// cliNavigator is the login surface of a terminal client.
type cliNavigator struct {
	out io.Writer
}

func (n *cliNavigator) ToLogin(_ context.Context, route string) {
	fmt.Fprintf(n.out, "Your session has ended. Sign in again with `storefront login` (%s).\n", route)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: storefront <command> [args]

Customer:
  login <email> <password>         Sign in and store the session
  logout                           Revoke and clear the session
  cart [show]                      Show the cart (availability refreshed)
  cart add <product[:variant]> [n] Add n items (default 1)
  cart remove <product[:variant]>  Remove a line
  cart set <product[:variant]> <n> Set a line quantity (0 removes)
  cart clear                       Empty the cart
  checkout <address> [comment]     Place an order for the cart
  track <orderNumber>              Follow an order until it finishes
  cancel <orderId> <reason>        Cancel an order with a reason

Staff:
  orders [status]                  List orders
  status <orderId> <status> [c]    Move an order forward
  categories [list]                List categories
  categories add <name>            Create a category
  categories rename <id> <name>    Rename a category
  categories delete <id>           Delete a category
`)
}
