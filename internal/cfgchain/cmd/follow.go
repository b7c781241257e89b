package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/nxadm/tail"
	"github.com/spf13/cobra"

	"cfgchain/internal/guard"
)

var followCmd = &cobra.Command{
	Use:   "follow <image> <targets-file>",
	Short: "Search every start appended to a file",
	Long: `Follow tails a file of start addresses or names, one per line, and runs a
chain search for each line as it is written. Blank lines and lines starting
with # are ignored. A start that cannot be resolved is logged and skipped.`,
	Example: `
# Feed starts from another tool
cfgchain follow target.dll starts.txt &
echo 0x180012340 >> starts.txt
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

		// Fail early on an image without a usable guard table rather than
		// once per line.
		if err := reg.Build(); err != nil {
			return err
		}

		once, _ := cmd.Flags().GetBool("once")
		return a.follow(cmd.Context(), reg, args[0], args[1], !once)
	},
}

func (a *app) follow(ctx context.Context, reg *guard.Registry, image, path string, keep bool) error {
	var loc *tail.SeekInfo
	if !a.cfg.Follow.FromStart {
		loc = &tail.SeekInfo{Whence: io.SeekEnd}
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    keep,
		ReOpen:    keep,
		MustExist: !keep,
		Poll:      a.cfg.Follow.Poll,
		Location:  loc,
		Logger:    a.log.StandardLog(log.StandardLogOptions{ForceLevel: log.DebugLevel}),
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", path, err)
	}
	defer t.Cleanup()
	defer t.Stop()

	a.log.Debug("Following", "file", path, "poll", a.cfg.Follow.Poll, "from_start", a.cfg.Follow.FromStart)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				a.log.Warn("Skipping line", "file", path, "err", line.Err)
				continue
			}
			a.followLine(reg, image, line.Num, line.Text)
		}
	}
}

func (a *app) followLine(reg *guard.Registry, image string, num int, text string) {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "#") {
		return
	}
	start, err := resolveStart(reg, text)
	if err != nil {
		a.log.Warn("Skipping start", "line", num, "err", err)
		return
	}
	if err := a.search(reg, image, start); err != nil {
		a.log.Error("Search failed", "line", num, "err", err)
	}
}

func init() {
	addSearchFlags(followCmd.Flags())
	followCmd.Flags().Bool("poll", false, "Poll the file instead of using filesystem notifications")
	followCmd.Flags().Bool("from-start", true, "Process lines already present in the file")
	followCmd.Flags().Bool("once", false, "Process the current contents and exit")
	rootCmd.AddCommand(followCmd)
}
