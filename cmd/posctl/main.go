// Command posctl is an operator CLI for a running pharmapos backend.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"pharmapos/backend/internal/receipt"
	"pharmapos/backend/internal/terminal"
	"pharmapos/backend/internal/upstream"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "posctl:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "posctl",
		Usage:     "inspect and operate a pharmapos backend",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://127.0.0.1:8080", EnvVars: []string{"PHARMAPOS_URL"}, Usage: "backend base URL"},
			&cli.StringFlag{Name: "token", EnvVars: []string{"PHARMAPOS_TOKEN"}, Usage: "access token from `posctl login`"},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second},
		},
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "log in and print an access token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Required: true},
					&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"PHARMAPOS_PASSWORD"}},
				},
				Action: func(c *cli.Context) error {
					client := upstream.New(c.String("url"), c.Duration("timeout"))
					session, err := client.Login(c.Context, c.String("username"), c.String("password"))
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, session.Token)
					return nil
				},
			},
			{
				Name:  "products",
				Usage: "list the catalog with stock for a shop",
				Flags: []cli.Flag{&cli.StringFlag{Name: "shop"}},
				Action: withClient(func(c *cli.Context, client *upstream.Client) error {
					products, err := client.ListProducts(c.Context, c.String("shop"))
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "SKU\tNAME\tPRICE\tSTOCK")
					for _, p := range products {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", p.SKU, p.Name, receipt.Money(p.PriceCents), p.AvailableStock)
					}
					return tw.Flush()
				}),
			},
			{
				Name:  "stock",
				Usage: "show available stock of one product",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "shop", Required: true},
					&cli.StringFlag{Name: "sku", Required: true},
				},
				Action: withClient(func(c *cli.Context, client *upstream.Client) error {
					available, err := client.AvailableStock(c.Context, c.String("shop"), c.String("sku"))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "%s %s %d\n", c.String("shop"), c.String("sku"), available)
					return nil
				}),
			},
			{
				Name:  "invoices",
				Usage: "list invoices",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "shop"},
					&cli.StringFlag{Name: "date", Usage: "YYYY-MM-DD"},
					&cli.IntFlag{Name: "limit", Value: 50},
				},
				Action: withClient(func(c *cli.Context, client *upstream.Client) error {
					resp, err := client.ListInvoices(c.Context, c.String("shop"), c.String("date"), c.Int("limit"))
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tNUMBER\tSHOP\tTOTAL\tSTATUS")
					for _, inv := range resp.Invoices {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", inv.ID, inv.Number, inv.ShopID, receipt.Money(inv.TotalCents), inv.Status)
					}
					return tw.Flush()
				}),
			},
			{
				Name:      "invoice",
				Usage:     "print one invoice as a receipt",
				ArgsUsage: "<invoice-id>",
				Action: withClient(func(c *cli.Context, client *upstream.Client) error {
					id, err := firstArg(c)
					if err != nil {
						return err
					}
					inv, err := client.Invoice(c.Context, id)
					if err != nil {
						return err
					}
					for _, line := range receipt.InvoiceLines(inv, "") {
						fmt.Fprintln(c.App.Writer, line)
					}
					return nil
				}),
			},
			{
				Name:      "credit",
				Usage:     "issue a credit note reversing an invoice",
				ArgsUsage: "<invoice-id>",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "notes"}},
				Action: withClient(func(c *cli.Context, client *upstream.Client) error {
					id, err := firstArg(c)
					if err != nil {
						return err
					}
					cn, err := terminal.NewManager(client, nil, nil, terminal.Options{}).CreditInvoice(c.Context, id, c.String("notes"))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "%s credited by %s (%s)\n", cn.InvoiceNumber, cn.Number, receipt.Money(cn.TotalCents))
					return nil
				}),
			},
			{
				Name:  "summary",
				Usage: "daily sales summary for a shop",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "shop"},
					&cli.StringFlag{Name: "date", Usage: "YYYY-MM-DD"},
				},
				Action: withClient(func(c *cli.Context, client *upstream.Client) error {
					summary, err := client.SalesSummary(c.Context, c.String("shop"), c.String("date"))
					if err != nil {
						return err
					}
					encoder := json.NewEncoder(c.App.Writer)
					encoder.SetIndent("", "  ")
					return encoder.Encode(summary)
				}),
			},
			{
				Name:      "pdf",
				Usage:     "download an invoice PDF",
				ArgsUsage: "<invoice-id>",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "out", Usage: "output file, defaults to <invoice-id>.pdf"}},
				Action: withClient(func(c *cli.Context, client *upstream.Client) error {
					id, err := firstArg(c)
					if err != nil {
						return err
					}
					pdf, err := client.InvoicePDF(c.Context, id)
					if err != nil {
						return err
					}
					path := c.String("out")
					if path == "" {
						path = id + ".pdf"
					}
					if err := os.WriteFile(path, pdf, 0o644); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "wrote %s (%d bytes)\n", path, len(pdf))
					return nil
				}),
			},
		},
	}
}

func withClient(action func(c *cli.Context, client *upstream.Client) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		token := c.String("token")
		if token == "" {
			return errors.New("no access token: run `posctl login` and set PHARMAPOS_TOKEN")
		}
		client := upstream.New(c.String("url"), c.Duration("timeout"))
		if err := client.UseToken(token); err != nil {
			return err
		}
		return action(c, client)
	}
}

func firstArg(c *cli.Context) (string, error) {
	if c.NArg() < 1 || c.Args().First() == "" {
		return "", fmt.Errorf("%s: missing %s", c.Command.Name, c.Command.ArgsUsage)
	}
	return c.Args().First(), nil
}
