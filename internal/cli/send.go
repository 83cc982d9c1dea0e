package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/nlink/lantransfer/internal/engine"
	"github.com/nlink/lantransfer/internal/events"
)

func newSendCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "send [files...]",
		Short: "Send one or more files to a peer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := buildConfig()
			eng := engine.New(cfg, logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			progress := mpb.New(mpb.WithWidth(64))
			bars := newBarSet(progress, args)

			ch, unsubscribe := eng.SubscribeEvents()
			defer unsubscribe()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				watchSendEvents(ch, bars)
			}()

			transferID, err := eng.SendFiles(ctx, host, port, args)
			bars.finish(err)
			progress.Wait()
			wg.Wait()

			if err != nil {
				return fmt.Errorf("send failed (transfer %s): %w", transferID, err)
			}
			fmt.Fprintf(os.Stderr, "transfer %s complete\n", transferID)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "peer hostname or IP")
	cmd.Flags().IntVar(&port, "peer-port", flagPort, "peer's transfer port")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

// fileBar pairs an mpb bar with the total size it was created against,
// since mpb.Bar exposes no getter for its own total.
type fileBar struct {
	bar  *mpb.Bar
	size int64
}

// barSet tracks one bar per file path, keyed by basename since that is
// what progress events carry as CurrentFile.
type barSet struct {
	mu   sync.Mutex
	bars map[string]*fileBar
}

func newBarSet(p *mpb.Progress, paths []string) *barSet {
	bs := &barSet{bars: make(map[string]*fileBar, len(paths))}
	for _, path := range paths {
		info, err := os.Stat(path)
		size := int64(0)
		if err == nil {
			size = info.Size()
		}
		name := filepath.Base(path)
		bar := p.New(size,
			mpb.BarStyle(),
			mpb.PrependDecorators(decor.Name(name, decor.WC{W: 20, C: decor.DindentRight})),
			mpb.AppendDecorators(
				decor.CountersKibiByte("% .1f / % .1f"),
				decor.Percentage(decor.WCSyncSpace),
			),
		)
		bs.bars[name] = &fileBar{bar: bar, size: size}
	}
	return bs
}

func (bs *barSet) advance(name string, current int64) {
	bs.mu.Lock()
	fb, ok := bs.bars[name]
	bs.mu.Unlock()
	if ok {
		fb.bar.SetCurrent(current)
	}
}

func (bs *barSet) finish(err error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for _, fb := range bs.bars {
		if err == nil {
			fb.bar.SetCurrent(fb.size)
			fb.bar.SetTotal(fb.size, true)
		} else {
			fb.bar.Abort(true)
		}
	}
}

func watchSendEvents(ch <-chan events.EngineEvent, bars *barSet) {
	for ev := range ch {
		switch ev.Kind {
		case events.KindProgress:
			if ev.Progress != nil {
				bars.advance(ev.Progress.CurrentFile, ev.Progress.BytesTransferred)
			}
		case events.KindTransferRetry:
			fmt.Fprintf(os.Stderr, "retry %d/%d: %s\n", ev.Attempt, ev.MaxAttempts, ev.Error)
		case events.KindTransferComplete, events.KindTransferFailed:
			return
		}
	}
}

