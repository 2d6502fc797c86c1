package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"rvcore/internal/blockdev"
	"rvcore/internal/config"
	"rvcore/internal/memfs"
	"rvcore/internal/stat"
	"rvcore/internal/ustr"
	"rvcore/internal/vfs"
)

func newStatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat <path> [image]",
		Short: "Print an inode's attributes from a disk image",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			imgPath := cfg.Disk.Path
			if len(args) == 2 {
				imgPath = args[1]
			}

			dev, err := blockdev.Open(imgPath, cfg.Disk.Blocks)
			if err != nil {
				return fmt.Errorf("opening %s: %w", imgPath, err)
			}
			defer dev.Close()

			v := vfs.New()
			v.Register(memfs.Fstype_t{})
			sb, merr := v.Mount("memfs", dev, nil)
			if merr != 0 {
				return fmt.Errorf("mount: error kind %d", merr)
			}
			defer v.Unmount(sb)

			root, rerr := v.RootInode(sb)
			if rerr != 0 {
				return fmt.Errorf("root inode: error kind %d", rerr)
			}
			defer sb.PutInodeRef(root)

			var st stat.Stat_t
			if serr := v.Stat(sb, root, ustr.Ustr(args[0]), &st); serr != 0 {
				return fmt.Errorf("stat %s: error kind %d", args[0], serr)
			}

			kind := "file"
			switch {
			case st.IsDir():
				kind = "directory"
			case st.Mode()&stat.IFLNK != 0:
				kind = "symlink"
			case !st.IsReg():
				kind = "special"
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ino:    %d\n", st.Ino())
			fmt.Fprintf(out, "type:   %s\n", kind)
			fmt.Fprintf(out, "size:   %d\n", st.Size())
			fmt.Fprintf(out, "nlink:  %d\n", st.Nlink())
			fmt.Fprintf(out, "blocks: %d\n", st.Blocks())
			return nil
		},
	}
	return cmd
}
