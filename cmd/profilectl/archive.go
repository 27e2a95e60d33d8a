package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/St-Ryzen/MNL/profile"
)

// readArchive loads raw zip bytes from a .zip file or the base64 form kept by the store.
func readArchive(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".zip") || strings.HasPrefix(string(raw), "PK") {
		return raw, nil
	}
	return profile.Decode(string(raw))
}

func printContents(cmd *cobra.Command, c profile.Contents) {
	printf(cmd, "  files:            %s\n", humanize.Comma(int64(c.TotalFiles)))
	printf(cmd, "  session files:    %d\n", c.SessionFiles)
	printf(cmd, "  extension files:  %d\n", c.ExtensionFiles)
	printf(cmd, "  extensions:       %d %v\n", c.ExtensionCount, c.ExtensionIDs)
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <archive.zip|archive.b64>",
		Short: "Check that an archive opens and list what it holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readArchive(args[0])
			if err != nil {
				return err
			}
			c, err := profile.Verify(data)
			if err != nil {
				return fmt.Errorf("verify %s: %w", args[0], err)
			}
			_, _ = okColor.Fprintf(cmd.OutOrStdout(), "%s is valid (%s)\n", args[0], humanize.Bytes(uint64(len(data))))
			printContents(cmd, *c)
			if !c.HasExtensions {
				_, _ = warnColor.Fprintln(cmd.OutOrStdout(), "  warning: no extensions in archive")
			}
			return nil
		},
	}
}

func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <profile-dir> <out.zip|out.b64>",
		Short: "Build a filtered archive of a profile directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := (&profile.Archiver{}).Archive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := arc.Data
			if !strings.EqualFold(filepath.Ext(args[1]), ".zip") {
				out = []byte(arc.Encoded())
			}
			if err := os.WriteFile(args[1], out, 0o600); err != nil {
				return err
			}
			_, _ = okColor.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s, %d files added, %d skipped, %s)\n",
				args[1], humanize.Bytes(uint64(arc.Size())), arc.FilesAdded, arc.FilesSkipped, arc.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <archive.zip|archive.b64> <profile-dir>",
		Short: "Extract an archive into a profile directory",
		Long:  "Extracts the archive into the profile directory. An existing directory is moved aside to *" + profile.PreservedSuffix + " first.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readArchive(args[0])
			if err != nil {
				return err
			}
			rep, err := (&profile.Restorer{}).Restore(cmd.Context(), data, args[1])
			if err != nil {
				return err
			}
			_, _ = okColor.Fprintf(cmd.OutOrStdout(), "Restored into %s\n", rep.Target)
			if rep.Preserved != "" {
				printf(cmd, "  previous profile kept at %s\n", rep.Preserved)
			}
			printContents(cmd, rep.Contents)
			return nil
		},
	}
}
