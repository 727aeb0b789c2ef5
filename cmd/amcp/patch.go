package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/amcp-io/amcp/internal/patch"
)

// buildPatchCmd creates the "patch" command group.
func buildPatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Work with agent patch envelopes",
	}
	cmd.AddCommand(buildPatchApplyCmd())
	return cmd
}

// buildPatchApplyCmd applies a *** Begin Patch envelope from a file or
// stdin, the same format the apply_patch tool consumes.
func buildPatchApplyCmd() *cobra.Command {
	var baseDir string

	cmd := &cobra.Command{
		Use:   "apply [file]",
		Short: "Apply a patch envelope from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text []byte
			var err error
			if len(args) == 1 {
				text, err = os.ReadFile(args[0])
			} else {
				text, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			p, err := patch.Parse(string(text))
			if err != nil {
				return err
			}

			if baseDir == "" {
				baseDir, _ = os.Getwd()
			}
			outcomes, err := patch.NewApplier(baseDir).Apply(p)
			if err != nil {
				return err
			}
			for _, out := range outcomes {
				switch out.Type {
				case "renamed":
					fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s -> %s\n", out.Type, out.Path, out.MoveTo)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s (+%d -%d)\n",
						out.Type, out.Path, out.Additions, out.Deletions)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&baseDir, "dir", "C", "", "Directory to apply the patch in (default: current directory)")
	return cmd
}
