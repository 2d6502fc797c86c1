package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rvcore/internal/blockdev"
	"rvcore/internal/config"
	"rvcore/internal/memfs"
)

func newMkfsCmd() *cobra.Command {
	var blocks, logBlocks, inodes int

	cmd := &cobra.Command{
		Use:   "mkfs [path]",
		Short: "Format a new rvcore disk image",
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
			if blocks == 0 {
				blocks = cfg.Disk.Blocks
			}
			if logBlocks == 0 {
				logBlocks = cfg.PageCache.LogBlocks
			}
			if inodes == 0 {
				inodes = cfg.PageCache.Inodes
			}

			dev, err := blockdev.Open(path, blocks)
			if err != nil {
				return fmt.Errorf("opening %s: %w", path, err)
			}
			defer dev.Close()

			if _, ferr := memfs.Mkfs(dev, blocks, logBlocks, inodes); ferr != 0 {
				return fmt.Errorf("mkfs: error kind %d", ferr)
			}
			logrus.WithFields(logrus.Fields{
				"path": path, "blocks": blocks, "log_blocks": logBlocks, "inodes": inodes,
			}).Info("formatted rvcore disk image")
			return nil
		},
	}

	cmd.Flags().IntVar(&blocks, "blocks", 0, "total device blocks (default from config)")
	cmd.Flags().IntVar(&logBlocks, "log-blocks", 0, "write-ahead log size in blocks (default from config)")
	cmd.Flags().IntVar(&inodes, "inodes", 0, "inode table capacity (default from config)")
	return cmd
}
