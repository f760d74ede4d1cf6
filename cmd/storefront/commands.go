package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fjod/go_cart/storefront/internal/api"
	"github.com/fjod/go_cart/storefront/internal/app"
	"github.com/fjod/go_cart/storefront/internal/checkout"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/order"
)

type cli struct {
	app *app.App
	out io.Writer
}

func (c *cli) login(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: storefront login <email> <password>")
	}
	if err := c.app.Login(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Signed in as %s\n", c.app.Tokens.Actor())
	return nil
}

func (c *cli) logout(ctx context.Context) error {
	if err := c.app.Logout(ctx); err != nil {
		fmt.Fprintf(c.out, "Signed out locally (server said: %v)\n", err)
		return nil
	}
	fmt.Fprintln(c.out, "Signed out")
	return nil
}

func parseKey(s string) domain.LineKey {
	product, variant, _ := strings.Cut(s, ":")
	return domain.LineKey{ProductID: product, VariantID: variant}
}

func (c *cli) cart(ctx context.Context, args []string) error {
	sub := "show"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	switch sub {
	case "show":
		if _, err := c.app.Cart.Reconcile(ctx, c.app.API); err != nil {
			fmt.Fprintf(c.out, "(availability not refreshed: %v)\n", err)
		}
	case "add":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: storefront cart add <product[:variant]> [n]")
		}
		qty := 1
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid quantity %q", args[1])
			}
			qty = n
		}
		if err := c.addToCart(ctx, parseKey(args[0]), qty); err != nil {
			return err
		}
	case "remove":
		if len(args) != 1 {
			return errors.New("usage: storefront cart remove <product[:variant]>")
		}
		c.app.Cart.RemoveItem(parseKey(args[0]))
	case "set":
		if len(args) != 2 {
			return errors.New("usage: storefront cart set <product[:variant]> <n>")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid quantity %q", args[1])
		}
		res, err := c.app.Cart.SetQuantity(parseKey(args[0]), n)
		if err != nil {
			return err
		}
		if res.CapacityReached {
			fmt.Fprintf(c.out, "Cart limit of %d items reached; quantity set to %d\n", c.app.Cart.MaxItems(), res.Item.Quantity)
		}
	case "clear":
		c.app.Cart.Clear()
	default:
		return fmt.Errorf("unknown cart command %q", sub)
	}

	c.printCart()
	return nil
}

func (c *cli) addToCart(ctx context.Context, key domain.LineKey, qty int) error {
	products, err := c.app.API.Products(ctx, []string{key.ProductID})
	if err != nil {
		return err
	}
	if len(products) == 0 {
		return fmt.Errorf("product %q not found", key.ProductID)
	}
	product := products[0]

	var variant *domain.Variant
	if key.VariantID != "" {
		v, ok := product.FindVariant(key.VariantID)
		if !ok {
			return fmt.Errorf("product %q has no variant %q", key.ProductID, key.VariantID)
		}
		variant = &v
	}

	res, err := c.app.Cart.AddItem(product, variant, qty)
	if err != nil {
		return err
	}
	if res.CapacityReached {
		fmt.Fprintf(c.out, "Cart limit of %d items reached; added %d of %d\n", c.app.Cart.MaxItems(), res.Added, qty)
	}
	return nil
}

func (c *cli) printCart() {
	items := c.app.Cart.Items()
	if len(items) == 0 {
		fmt.Fprintln(c.out, "Cart is empty")
		return
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tKEY\tQTY\tPRICE\tSUBTOTAL")
	for _, it := range items {
		key := it.ProductID
		if it.VariantID != "" {
			key += ":" + it.VariantID
		}
		subtotal := fmt.Sprintf("%.2f", it.Subtotal())
		if it.Unavailable {
			subtotal = "unavailable"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\t%s\n", it.Name, key, it.Quantity, it.UnitPrice, subtotal)
	}
	tw.Flush()
	fmt.Fprintf(c.out, "%d/%d items, total %.2f\n", c.app.Cart.TotalItemCount(), c.app.Cart.MaxItems(), c.app.Cart.TotalPrice())
}

func (c *cli) checkout(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: storefront checkout <address> [comment]")
	}
	req := checkout.Request{DeliveryAddress: args[0]}
	if len(args) == 2 {
		req.Comment = args[1]
	}

	if _, err := c.app.Cart.Reconcile(ctx, c.app.API); err != nil {
		return err
	}
	o, err := c.app.Checkout.Submit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Order %s placed (id %s), total %.2f\n", o.OrderNumber, o.ID, o.TotalAmount)
	return nil
}

func (c *cli) track(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: storefront track <orderNumber>")
	}
	var last domain.OrderStatus
	tr := c.app.NewTracker(func(v order.View) {
		if v.State.Status == last {
			return
		}
		last = v.State.Status
		fmt.Fprintf(c.out, "%s: %s\n", v.Order.OrderNumber, v.State.Status)
	})
	defer tr.Stop()

	select {
	case <-tr.Start(ctx, args[0]):
	case <-ctx.Done():
	}

	if v, ok := c.app.Orders.ViewByNumber(args[0]); ok {
		printHistory(c.out, v)
	}
	return nil
}

func printHistory(w io.Writer, v order.View) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tWHO\tFROM\tTO\tNOTE")
	for _, e := range v.Entries() {
		note := e.Comment
		if e.Reason != "" {
			note = strings.TrimSpace("reason: " + e.Reason + " " + note)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ChangedAt.Format("2006-01-02 15:04"), e.ActorName, e.PreviousStatus, e.NewStatus, note)
	}
	tw.Flush()
}

func (c *cli) orders(ctx context.Context, args []string) error {
	q := api.ListOrdersQuery{Limit: 50}
	if len(args) > 0 {
		q.Status = domain.OrderStatus(args[0])
		if !q.Status.Valid() {
			return fmt.Errorf("unknown status %q", args[0])
		}
	}
	page, err := c.app.API.ListOrders(ctx, q)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NUMBER\tID\tSTATUS\tTOTAL\tNEXT")
	for _, o := range page.Orders {
		next := make([]string, 0, 3)
		for _, s := range order.Next(o.Status) {
			next = append(next, s.String())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n", o.OrderNumber, o.ID, o.Status, o.TotalAmount, strings.Join(next, ","))
	}
	tw.Flush()
	fmt.Fprintf(c.out, "%d of %d orders\n", len(page.Orders), page.Total)
	return nil
}

func (c *cli) status(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: storefront status <orderId> <status> [comment]")
	}
	to := domain.OrderStatus(args[1])
	if to == domain.StatusCancelled {
		return errors.New("use `storefront cancel <orderId> <reason>` to cancel an order")
	}
	comment := ""
	if len(args) == 3 {
		comment = args[2]
	}

	if _, err := c.app.Orders.Load(ctx, args[0]); err != nil {
		return err
	}
	v, err := c.app.Orders.ChangeStatus(ctx, args[0], to, comment)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s is now %s\n", v.Order.OrderNumber, v.State.Status)
	return nil
}

func (c *cli) cancel(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: storefront cancel <orderId> <reason>")
	}
	if _, err := c.app.Orders.Load(ctx, args[0]); err != nil {
		return err
	}
	if _, err := c.app.Orders.ChangeStatus(ctx, args[0], domain.StatusCancelled, ""); err != nil {
		return err
	}
	v, err := c.app.Orders.ConfirmCancel(ctx, args[1])
	if err != nil {
		c.app.Orders.AbortCancel()
		return err
	}
	fmt.Fprintf(c.out, "%s is now %s\n", v.Order.OrderNumber, v.State.Status)
	return nil
}

func (c *cli) categories(ctx context.Context, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	switch sub {
	case "list":
	case "add":
		if len(args) != 1 {
			return errors.New("usage: storefront categories add <name>")
		}
		if _, err := c.app.API.CreateCategory(ctx, domain.Category{Name: args[0]}); err != nil {
			return err
		}
	case "rename":
		if len(args) != 2 {
			return errors.New("usage: storefront categories rename <id> <name>")
		}
		if _, err := c.app.API.UpdateCategory(ctx, domain.Category{ID: args[0], Name: args[1]}); err != nil {
			return err
		}
	case "delete":
		if len(args) != 1 {
			return errors.New("usage: storefront categories delete <id>")
		}
		if err := c.app.API.DeleteCategory(ctx, args[0]); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown categories command %q", sub)
	}

	list, err := c.app.API.Categories(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSLUG\tPOSITION")
	for _, cat := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", cat.ID, cat.Name, cat.Slug, cat.Position)
	}
	tw.Flush()
	return nil
}
