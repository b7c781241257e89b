package cmd

import (
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <image>",
	Short: "List the guard CF function table",
	Long: `List prints every function of the guard CF function table that resolves
to a known function, with its flag byte. --grep keeps the records whose name
contains the pattern (case sensitive).`,
	Args: cobra.ExactArgs(1),
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

		desc, err := reg.Descriptor()
		if err != nil {
			return err
		}
		pattern, _ := cmd.Flags().GetString("grep")
		records, err := reg.SearchBySubstring(pattern)
		if err != nil {
			return err
		}
		return a.reporter(args[0]).Listing(desc, records)
	},
}

func init() {
	listCmd.Flags().StringP("grep", "g", "", "Only list functions whose name contains this text")
	rootCmd.AddCommand(listCmd)
}
