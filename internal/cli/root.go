// Package cli provides the lantransferd command-line interface,
// grounded in rescale-labs' internal/cli (persistent flags, a shared
// logger wired up in PersistentPreRun, cobra subcommands).
package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nlink/lantransfer/internal/config"
	"github.com/nlink/lantransfer/internal/logging"
)

var (
	flagPort        int
	flagDeviceName  string
	flagDownloadDir string
	flagTrustedHost []string
	flagReceiveOnly bool
	flagVerbose     bool

	logger *logging.Logger
)

// NewRootCmd builds the root lantransferd command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lantransferd",
		Short: "Peer-to-peer LAN file transfer engine",
		Long: `lantransferd runs a receiving server and/or sends files directly
to another instance on the same network, with no cloud relay.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultLevel(flagVerbose)
		},
	}

	root.PersistentFlags().IntVar(&flagPort, "port", config.DefaultPort, "transfer port")
	root.PersistentFlags().StringVar(&flagDeviceName, "name", "", "device name announced to peers (defaults to hostname)")
	root.PersistentFlags().StringVar(&flagDownloadDir, "download-dir", "./downloads", "directory incoming files are written to")
	root.PersistentFlags().StringSliceVar(&flagTrustedHost, "trusted-host", nil, "host that bypasses manual approval (repeatable)")
	root.PersistentFlags().BoolVar(&flagReceiveOnly, "receive-only", false, "disable the outbound send path")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug-level logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSendCmd())
	return root
}

func buildConfig() config.Snapshot {
	name := flagDeviceName
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		} else {
			name = "lantransfer"
		}
	}
	return config.Snapshot{
		Port:           flagPort,
		DeviceName:     name,
		DownloadDir:    flagDownloadDir,
		TrustedHosts:   config.NewTrustedHostSet(flagTrustedHost),
		ReceiveOnly:    flagReceiveOnly,
		ChunkSize:      config.DefaultChunkSize,
		HeartbeatEvery: 15 * time.Second,
	}
}
