// Command profilectl inspects and maintains browser profiles and profile archives on disk.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	headerColor = color.New(color.Bold)
	warnColor   = color.New(color.FgYellow)
	okColor     = color.New(color.FgGreen)
	errColor    = color.New(color.FgRed)
)

// newRootCmd builds the command tree. profilesDir is shared by the maintenance commands.
func newRootCmd() *cobra.Command {
	var profilesDir string
	root := &cobra.Command{
		Use:           "profilectl",
		Short:         "Maintain MNL browser profiles",
		Long:          "Inspect, archive, restore and clean up the browser profiles kept by the MNL server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&profilesDir, "dir", "d", "", "Profiles directory (default: $PROFILES_DIR or browser_profiles)")

	dir := func() string {
		if profilesDir != "" {
			return profilesDir
		}
		if env := os.Getenv("PROFILES_DIR"); env != "" {
			return env
		}
		return "browser_profiles"
	}

	root.AddCommand(
		newCleanupCmd(dir),
		newCheckStorageCmd(dir),
		newVerifyCmd(),
		newArchiveCmd(),
		newRestoreCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = errColor.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printf(cmd *cobra.Command, format string, a ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, a...)
}
