package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/St-Ryzen/MNL/profile"
)

func newCleanupCmd(dir func() string) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "cleanup-backups",
		Short: "Remove profile copies preserved by earlier restores",
		Long:  "Lists the *" + profile.PreservedSuffix + " directories left behind by restores. Nothing is deleted without --confirm.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := profile.RemoveStaleBackups(cmd.Context(), dir(), !confirm, nil)
			if err != nil {
				return err
			}
			if len(res.Found) == 0 {
				_, _ = okColor.Fprintln(cmd.OutOrStdout(), "No stale backups found.")
				return nil
			}
			var total int64
			_, _ = headerColor.Fprintf(cmd.OutOrStdout(), "Found %d stale backup(s):\n", len(res.Found))
			for _, b := range res.Found {
				printf(cmd, "  %-60s %10s  %d files\n", b.Name, humanize.Bytes(uint64(b.Bytes)), b.Files)
				total += b.Bytes
			}
			if !confirm {
				_, _ = warnColor.Fprintf(cmd.OutOrStdout(), "Dry run: %s would be freed. Re-run with --confirm to delete.\n", humanize.Bytes(uint64(total)))
				return nil
			}
			_, _ = okColor.Fprintf(cmd.OutOrStdout(), "Removed %d backup(s), freed %s.\n", res.Removed, humanize.Bytes(uint64(res.FreedBytes)))
			for _, name := range res.FailedRemove {
				_, _ = errColor.Fprintf(cmd.OutOrStdout(), "  failed to remove %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Actually delete the directories")
	return cmd
}

func newCheckStorageCmd(dir func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-storage",
		Short: "Show disk usage of profiles and preserved copies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := profile.StorageReport(cmd.Context(), dir())
			if err != nil {
				return err
			}
			_, _ = headerColor.Fprintf(cmd.OutOrStdout(), "Profiles (%d):\n", len(rep.Profiles))
			for _, p := range rep.Profiles {
				printf(cmd, "  %-60s %10s  %s files\n", p.Name, humanize.Bytes(uint64(p.Bytes)), humanize.Comma(int64(p.Files)))
			}
			if len(rep.Backups) > 0 {
				_, _ = headerColor.Fprintf(cmd.OutOrStdout(), "Preserved copies (%d):\n", len(rep.Backups))
				for _, b := range rep.Backups {
					printf(cmd, "  %-60s %10s\n", b.Name, humanize.Bytes(uint64(b.Bytes)))
				}
				_, _ = warnColor.Fprintf(cmd.OutOrStdout(), "Run cleanup-backups --confirm to reclaim %s.\n", humanize.Bytes(uint64(rep.BackupBytes)))
			}
			printf(cmd, "Total: %s\n", humanize.Bytes(uint64(rep.TotalBytes())))
			return nil
		},
	}
}
