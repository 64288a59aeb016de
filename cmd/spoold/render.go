package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orrn/labelspool/internal/db"
	"github.com/orrn/labelspool/internal/label"
)

type renderOptions struct {
	template string
	vars     []string
	quantity int

	product label.Product
	item    int64
}

func newRenderCommand(load loader) *cobra.Command {
	var opts renderOptions

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a label to stdout without printing it",
		Long: `Render a stored template (--template, --var NAME=VALUE) or a product label
(--sku/--title/--price/--meta/--barcode, or --item for an inventory record).
With no template or product flags the default template is used.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			database, err := db.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer database.Close()

			compiler := label.NewCompiler(label.SpecFromConfig(cfg.Label))
			code, err := render(cmd, database, compiler, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), code)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.template, "template", "t", "", "template name")
	f.StringArrayVar(&opts.vars, "var", nil, "template variable as NAME=VALUE (repeatable)")
	f.IntVarP(&opts.quantity, "quantity", "q", 1, "labels per job")
	f.StringVar(&opts.product.SKU, "sku", "", "product SKU")
	f.StringVar(&opts.product.Title, "title", "", "product title")
	f.StringVar(&opts.product.Price, "price", "", "product price")
	f.StringVar(&opts.product.Meta, "meta", "", "product meta line")
	f.StringVar(&opts.product.Barcode, "barcode", "", "barcode data, defaults to the SKU")
	f.Int64Var(&opts.item, "item", 0, "inventory item id")
	return cmd
}

func render(cmd *cobra.Command, database *db.DB, compiler *label.Compiler, opts renderOptions) (string, error) {
	ctx := cmd.Context()

	if opts.item > 0 {
		items, err := database.Inventory.GetItems(ctx, []int64{opts.item})
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			return "", fmt.Errorf("inventory item %d: %w", opts.item, db.ErrNotFound)
		}
		return compiler.RenderProduct(items[0].Product(), opts.quantity)
	}
	if opts.product != (label.Product{}) {
		return compiler.RenderProduct(opts.product, opts.quantity)
	}

	vars, err := parseVars(opts.vars)
	if err != nil {
		return "", err
	}
	var row *db.LabelTemplate
	if opts.template != "" {
		row, err = database.Templates.GetTemplateByName(ctx, opts.template)
	} else {
		row, err = database.Templates.GetDefault(ctx)
	}
	if err != nil {
		return "", err
	}
	return compiler.RenderTemplate(row.Template(), vars, opts.quantity)
}

func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errors.New("--var must be NAME=VALUE, got " + pair)
		}
		vars[strings.TrimSpace(name)] = value
	}
	return vars, nil
}
