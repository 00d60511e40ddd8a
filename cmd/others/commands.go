package others

import "github.com/spf13/cobra"

// Actions organizes cross-cutting system subcommands.
type Actions interface {
	GC(cmd *cobra.Command, args []string) error
	Version(cmd *cobra.Command, args []string) error
}

// Commands builds system command set.
func Commands(h Actions) []*cobra.Command {
	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove unreferenced blobs, manifests, and VM dirs",
		RunE:  h.GC,
	}
	gcCmd.Flags().Bool("dry-run", false, "report what would be removed without removing it")
	gcCmd.Flags().Bool("delete-untagged", false, "also reclaim manifests/blobs with no tag pointing to them")

	return []*cobra.Command{
		gcCmd,
		{
			Use:   "version",
			Short: "Show version, git revision, and build timestamp",
			RunE:  h.Version,
		},
	}
}
