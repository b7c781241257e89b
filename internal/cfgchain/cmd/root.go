package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	cfglog "cfgchain/internal/cfgchain/log"
	"cfgchain/internal/config"
	"cfgchain/internal/guard"
	"cfgchain/internal/logging"
	"cfgchain/internal/pex"
	"cfgchain/internal/report"
	"cfgchain/internal/ui/colorize"
)

// flagKeys maps config keys to the flags that override them.
var flagKeys = map[string]string{
	"depth":              "depth",
	"include_suppressed": "include-suppressed",
	"max_expansions":     "max-expansions",
	"prune":              "prune",
	"short_names":        "short-names",
	"output":             "output",
	"no_color":           "no-color",
	"debug":              "debug",
	"follow.poll":        "poll",
	"follow.from_start":  "from-start",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default $HOME/.cfgchain.yaml)")
	pf.StringP("output", "o", string(report.FormatText), "Output format: text, json or yaml")
	pf.BoolP("debug", "d", false, "Debug")
	pf.Bool("short-names", false, "Omit parameter lists from demangled names")
	pf.Bool("no-color", false, "Disable styled output")

	rootCmd.Flags().BoolP("help", "h", false, "Help")
}

var rootCmd = &cobra.Command{
	Use:   "cfgchain",
	Short: "Find Control Flow Guard call chains in PE images",
	Long: `cfgchain rebuilds the Control Flow Guard function table of a PE image and
walks cross references backwards from a start address until it reaches
functions the table marks as valid indirect call targets.`,
	Example: `
# Chains of up to three callers ending at a guard target
cfgchain search target.dll 0x180012340

# Start from a named export, search deeper and emit JSON
cfgchain search -o json --depth 4 target.dll CreateWidget

# Browse the guard table interactively
cfgchain browse target.dll
  `,
	SilenceUsage: true,
}

// addSearchFlags registers the flags shared by every command that runs a
// chain search.
func addSearchFlags(f *pflag.FlagSet) {
	f.Int("depth", config.DefaultDepth, "Number of backward call hops")
	f.Bool("include-suppressed", false, "Treat export suppressed functions as targets")
	f.Int("max-expansions", 0, "Expansion budget per search (0 selects the built-in limit)")
	f.Bool("prune", false, "Skip functions already expanded with the same remaining depth")
}

// app is the resolved state of one command invocation.
type app struct {
	cfg    config.Config
	out    io.Writer
	styled bool
	log    *log.Logger
}

func newApp(cmd *cobra.Command) (*app, error) {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags(), flagKeys); err != nil {
		return nil, err
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}

	if cfg.Debug {
		logging.SetLevel("debug")
	}
	cfglog.Setup(cmd.ErrOrStderr(), cfg.Debug)

	out := cmd.OutOrStdout()
	styled := !cfg.NoColor && isTerminal(out) && colorize.Enabled()
	colorize.SetEnabled(styled)

	return &app{cfg: cfg, out: out, styled: styled, log: logging.Default()}, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(f.Fd())
}

// open maps the image and prepares a registry over it. The caller closes
// the image.
func (a *app) open(path string) (*pex.Image, *guard.Registry, error) {
	img, err := pex.Open(path, pex.WithLogger(a.log))
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	reg := guard.NewRegistry(img,
		guard.WithLogger(a.log),
		guard.WithNameOptions(a.cfg.NameOptions()),
	)
	return img, reg, nil
}

func (a *app) reporter(image string) *report.Reporter {
	r := report.New(a.out, a.cfg.Format(), a.styled)
	r.Image = image
	if f, ok := a.out.(interface{ Fd() uintptr }); ok && a.styled {
		if w, _, err := term.GetSize(f.Fd()); err == nil && w > 0 {
			r.Width = w
		}
	}
	return r
}

// structuredOutput reports whether args ask for JSON or YAML, in which case
// fang's styled error rendering would corrupt the document.
func structuredOutput(args []string) bool {
	for i, arg := range args {
		switch arg {
		case "-o=json", "-o=yaml", "-o=yml", "--output=json", "--output=yaml", "--output=yml":
			return true
		case "-o", "--output":
			if i+1 < len(args) && slices.Contains([]string{"json", "yaml", "yml"}, args[i+1]) {
				return true
			}
		}
	}
	return false
}

func Execute() {
	// Bypass fang when output is piped or structured so that stdout only
	// carries the report.
	if structuredOutput(os.Args[1:]) || !term.IsTerminal(os.Stdout.Fd()) {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
