// Command fundctl is the operator CLI: it previews share and fee math
// offline and applies the database migrations.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/defunds/fund-engine/internal/database"
	"github.com/defunds/fund-engine/internal/fees"
	"github.com/defunds/fund-engine/internal/model"
	"github.com/defunds/fund-engine/internal/shares"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fundctl:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "fundctl",
		Usage:  "fund engine operator tool",
		Writer: out,
		Commands: []*cli.Command{
			mintCommand(),
			waterfallCommand(),
			distributeCommand(),
			migrateCommand(),
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func mintCommand() *cli.Command {
	return &cli.Command{
		Name:  "mint",
		Usage: "shares a deposit mints at the given fund totals",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "total-shares", Usage: "fund shares outstanding"},
			&cli.Uint64Flag{Name: "total-assets", Usage: "fund assets in base units"},
			&cli.Uint64Flag{Name: "amount", Usage: "deposit in base units", Required: true},
		},
		Action: func(c *cli.Context) error {
			f := &model.Fund{TotalShares: c.Uint64("total-shares"), TotalAssets: c.Uint64("total-assets")}
			minted, err := shares.ToMint(f, c.Uint64("amount"))
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, map[string]any{
				"share_price":   shares.SharePrice(f).String(),
				"shares_minted": minted,
			})
		},
	}
}

func waterfallCommand() *cli.Command {
	return &cli.Command{
		Name:  "waterfall",
		Usage: "fee breakdown of a payout",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "gross", Usage: "payout in base units", Required: true},
			&cli.Uint64Flag{Name: "cost-basis", Usage: "investor cost basis of the payout"},
			&cli.UintFlag{Name: "performance-bps", Usage: "fund performance fee"},
		},
		Action: func(c *cli.Context) error {
			bps := c.Uint("performance-bps")
			if bps > math.MaxUint16 {
				return fmt.Errorf("%w: performance-bps %d", model.ErrInvalidFee, bps)
			}
			b, err := fees.Compute(fees.Input{
				Gross:          c.Uint64("gross"),
				CostBasis:      c.Uint64("cost-basis"),
				PerformanceBps: uint16(bps),
			})
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, struct {
				fees.Breakdown
				TreasuryTotal uint64 `json:"treasury_total"`
			}{b, b.TreasuryTotal()})
		},
	}
}

func distributeCommand() *cli.Command {
	return &cli.Command{
		Name:  "distribute",
		Usage: "pro-rata split of a pool by share weights",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "pool", Usage: "amount to split", Required: true},
			&cli.StringFlag{Name: "weights", Usage: "comma separated share counts", Required: true},
		},
		Action: func(c *cli.Context) error {
			weights, err := parseWeights(c.String("weights"))
			if err != nil {
				return err
			}
			amounts, err := fees.Distribute(c.Uint64("pool"), weights)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, amounts)
		},
	}
}

func parseWeights(s string) ([]uint64, error) {
	var out []uint64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		w, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: weight %q", model.ErrInvalidInput, part)
		}
		out = append(out, w)
	}
	return out, nil
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply the embedded schema migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-url", EnvVars: []string{"DATABASE_URL"}},
			&cli.BoolFlag{Name: "list", Usage: "print the embedded migrations and exit"},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("list") {
				files, err := database.PendingMigrations(database.Migrations(), nil)
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, files)
			}
			url := c.String("database-url")
			if url == "" {
				return fmt.Errorf("database-url or DATABASE_URL required")
			}
			pool, err := database.Connect(c.Context, url)
			if err != nil {
				return err
			}
			defer pool.Close()
			applied, err := database.RunMigrations(c.Context, pool, database.Migrations())
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, map[string]any{"applied": applied})
		},
	}
}
