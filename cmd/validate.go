// cmd/validate.go
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/scenario"
)

func newValidateCmd() *cobra.Command {
	var tags string

	validateCmd := &cobra.Command{
		Use:   "validate <suite.yaml>...",
		Short: "Check suite files without launching a browser",
		Long: `Parses and validates each suite file: step shapes, target references, conditions and
locator strategies. Lists the scenarios the tag filter would select.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			filterSrc := cfg.Runner().TagFilter
			if cmd.Flags().Changed("tags") {
				filterSrc = tags
			}
			filter, err := scenario.CompileTagFilter(filterSrc)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var failed []string
			for _, path := range args {
				suite, err := schemas.LoadSuite(path)
				if err != nil {
					fmt.Fprintf(out, "FAIL %s\n     %v\n", path, err)
					failed = append(failed, path)
					continue
				}
				selected := 0
				var lines []string
				for _, sc := range suite.Scenarios {
					ok, err := filter.Match(sc.Name, sc.Tags)
					if err != nil {
						return err
					}
					mark := "-"
					if ok {
						mark = "+"
						selected++
					}
					lines = append(lines, fmt.Sprintf("     %s %s (%d steps)", mark, sc.Name, len(sc.Steps)))
				}
				fmt.Fprintf(out, "OK   %s: %d scenarios, %d selected by %s\n", path, len(suite.Scenarios), selected, filter)
				fmt.Fprintln(out, strings.Join(lines, "\n"))
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d invalid suite file(s): %s", len(failed), strings.Join(failed, ", "))
			}
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&tags, "tags", "t", "", "Tag filter expression. (Overrides config/env)")
	return validateCmd
}
