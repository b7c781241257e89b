package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"cfgchain/internal/guard"
)

var searchCmd = &cobra.Command{
	Use:   "search <image> <start>",
	Short: "Find call chains from start to guard targets",
	Long: `Search walks callers of start backwards, up to --depth hops, and prints
every chain that ends at a function listed in the guard CF function table.
Start is a hex address (0x prefix) or a function name.`,
	Example: `
# Immediate callers only
cfgchain search --depth 1 target.dll 0x180012340

# Bound the work on heavily cyclic call graphs
cfgchain search --prune --max-expansions 100000 target.dll Parse
  `,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		img, reg, err := a.open(args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		start, err := resolveStart(reg, args[1])
		if err != nil {
			return err
		}
		return a.search(reg, args[0], start)
	},
}

// search runs one search and reports it. Hitting the expansion budget is
// not a failure: the partial chains are printed and a warning is logged.
func (a *app) search(reg *guard.Registry, image string, start uint64) error {
	opts := a.cfg.SearchOptions()
	res, err := guard.NewSearcher(reg).Search(start, opts)
	if err != nil && !errors.Is(err, guard.ErrExpansionLimit) {
		return fmt.Errorf("search from %s: %w", guard.FormatAddress(start), err)
	}
	if rerr := a.reporter(image).Chains(res, opts); rerr != nil {
		return rerr
	}
	if err != nil {
		a.log.Warn("Results are partial", "start", guard.FormatAddress(start), "err", err)
	}
	a.log.Debug("Search finished",
		"start", res.Start.Name,
		"depth", res.Depth,
		"chains", len(res.Chains),
		"expansions", res.Expansions)
	return nil
}

func init() {
	addSearchFlags(searchCmd.Flags())
	rootCmd.AddCommand(searchCmd)
}
