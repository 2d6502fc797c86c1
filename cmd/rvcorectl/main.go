// Command rvcorectl is the host-side harness that drives the four
// on-disk subsystems (blockdev, wal, pagecache, memfs) end to end,
// filling the role the teacher's standalone mkfs main() and ufs test
// harness play but as a proper multi-command CLI, grounded on
// dh-cli's cobra root/subcommand structure (src/internal/cmd/root.go,
// config.go).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rvcore/internal/config"
)

var (
	configDir string
	verbose   bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rvcorectl",
		Short:         "Format, check, and inspect rvcore disk images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			config.SetConfigDir(configDir)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", "", "override config directory (default: ~/.rvcore)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newMkfsCmd())
	root.AddCommand(newFsckCmd())
	root.AddCommand(newStatCmd())
	return root
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
