package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nlink/lantransfer/internal/engine"
	"github.com/nlink/lantransfer/internal/events"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a receiving instance until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := buildConfig()
			if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
				return fmt.Errorf("create download dir: %w", err)
			}

			eng := engine.New(cfg, logger)
			if err := eng.StartServer(); err != nil {
				return fmt.Errorf("start server: %w", err)
			}
			logger.Info().Int("port", eng.Port()).Str("downloadDir", cfg.DownloadDir).Msg("serving")

			ch, cancel := eng.SubscribeEvents()
			defer cancel()
			go logEvents(ch)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			logger.Info().Msg("shutting down")
			return eng.StopServer()
		},
	}
}

func logEvents(ch <-chan events.EngineEvent) {
	for ev := range ch {
		switch ev.Kind {
		case events.KindTransferRequest:
			logger.Info().
				Str("transferId", ev.TransferRequest.TransferID).
				Str("from", ev.TransferRequest.SourceIP).
				Int("files", ev.TransferRequest.FileCount).
				Msg("incoming transfer request")
		case events.KindTransferComplete:
			logger.Info().Str("transferId", ev.TransferID).Msg("transfer complete")
		case events.KindTransferFailed:
			logger.Warn().Str("transferId", ev.TransferID).Str("error", ev.Error).Msg("transfer failed")
		case events.KindPortChanged:
			logger.Info().Int("oldPort", ev.OldPort).Int("port", ev.Port).Msg("port changed")
		}
	}
}
