package sender

import (
	"context"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/nlink/lantransfer/internal/config"
	"github.com/nlink/lantransfer/internal/events"
	"github.com/nlink/lantransfer/internal/logging"
	"github.com/nlink/lantransfer/internal/server"
	"github.com/nlink/lantransfer/internal/state"
)

// newTrustedPeer stands up a receive server (over httptest, not the
// dual-stack listener) whose only trusted host is 127.0.0.1, so a send
// from this test process is auto-accepted without a human in the loop.
func newTrustedPeer(t *testing.T) (host string, port int, dir string) {
	t.Helper()
	dir = t.TempDir()
	cfg := config.NewStore(config.Snapshot{
		DownloadDir:  dir,
		TrustedHosts: config.NewTrustedHostSet([]string{"127.0.0.1"}),
	})
	st := state.New()
	bus := events.NewBus(events.DefaultCapacity)
	srv := server.New(cfg, st, bus, logging.Nop())

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return u.Hostname(), p, dir
}

func TestSendFilesHappyPath(t *testing.T) {
	host, port, dir := newTrustedPeer(t)

	src := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(src, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	st := state.New()
	bus := events.NewBus(events.DefaultCapacity)
	client := New(st, bus, logging.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := client.SendFiles(ctx, host, port, []string{src}, "tester")
	if err != nil {
		t.Fatalf("SendFiles: %v", err)
	}
	if !result.Succeeded {
		t.Fatalf("expected success, got %+v", result)
	}

	got, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("unexpected uploaded contents: %q", got)
	}
}

func TestSendFilesReusesOneTransferID(t *testing.T) {
	host, port, _ := newTrustedPeer(t)

	src := filepath.Join(t.TempDir(), "a.txt")
	_ = os.WriteFile(src, []byte("x"), 0o644)

	st := state.New()
	bus := events.NewBus(events.DefaultCapacity)
	ch, cancel := bus.Subscribe()
	defer cancel()
	client := New(st, bus, logging.Nop())

	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	result, err := client.SendFiles(ctx, host, port, []string{src}, "tester")
	if err != nil {
		t.Fatalf("SendFiles: %v", err)
	}

	// Every event this send emits must carry the same transfer_id as the
	// result — this is the bug fix spec.md §9 calls out: the original
	// implementation minted a second id for the chunk-upload phase.
	seen := 0
	for {
		select {
		case ev := <-ch:
			if ev.TransferID != "" && ev.TransferID != result.TransferID {
				t.Fatalf("event carried a different transfer id: %q want %q", ev.TransferID, result.TransferID)
			}
			seen++
			if ev.Kind == events.KindTransferComplete {
				return
			}
		case <-time.After(2 * time.Second):
			if seen == 0 {
				t.Fatal("no events observed")
			}
			return
		}
	}
}
