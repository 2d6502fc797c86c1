package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rvcore/internal/blockdev"
	"rvcore/internal/config"
	"rvcore/internal/diag"
	"rvcore/internal/memfs"
	"rvcore/internal/vfs"
)

func newFsckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fsck [path]",
		Short: "Mount a disk image, replay its log, and report page-cache residency",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			path := cfg.Disk.Path
			if len(args) == 1 {
				path = args[0]
			}

			dev, err := blockdev.Open(path, cfg.Disk.Blocks)
			if err != nil {
				return fmt.Errorf("opening %s: %w", path, err)
			}
			defer dev.Close()

			v := vfs.New()
			v.Register(memfs.Fstype_t{})
			sb, merr := v.Mount("memfs", dev, nil)
			if merr != 0 {
				return fmt.Errorf("mount: error kind %d", merr)
			}
			logrus.WithField("path", path).Info("mounted and replayed write-ahead log cleanly")

			if serr := sb.Sync(); serr != 0 {
				return fmt.Errorf("sync: error kind %d", serr)
			}
			if back, ok := sb.Back().(*memfs.Superblock_t); ok {
				sum := diag.Summarize(back.Cache())
				fmt.Fprintf(cmd.OutOrStdout(), "resident pages: %d, dirty: %d\n", sum.Resident, sum.Dirty)
			}

			if uerr := v.Unmount(sb); uerr != 0 {
				return fmt.Errorf("unmount: error kind %d", uerr)
			}
			return nil
		},
	}
	return cmd
}
