package cmd

import (
	"github.com/spf13/cobra"

	"cfgchain/internal/guard"
	"cfgchain/internal/pex"
	"cfgchain/internal/report"
)

var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Summarize the image and its guard table",
	Args:  cobra.ExactArgs(1),
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

		r := a.reporter(args[0])
		s, err := summarize(r, img, reg)
		if err != nil {
			return err
		}
		return r.Summary(s)
	},
}

func summarize(r *report.Reporter, img *pex.Image, reg *guard.Registry) (report.Summary, error) {
	desc, err := reg.Descriptor()
	if err != nil {
		return report.Summary{}, err
	}
	records, err := reg.List()
	if err != nil {
		return report.Summary{}, err
	}

	s := r.NewSummary(desc, records)
	s.Base = guard.FormatAddress(img.Base)
	s.Entry = guard.FormatAddress(img.Entry)
	s.Functions = len(img.Functions())
	for _, sec := range img.Sections {
		s.Sections = append(s.Sections, report.SectionSummary{
			Name:    sec.Name,
			Address: guard.FormatAddress(sec.VA),
			Size:    sec.Size,
			Exec:    sec.Exec,
		})
	}
	return s, nil
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
