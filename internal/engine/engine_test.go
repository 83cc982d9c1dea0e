package engine

import (
	"context"
	"testing"
	"time"

	"github.com/nlink/lantransfer/internal/config"
	"github.com/nlink/lantransfer/internal/logging"
	"github.com/nlink/lantransfer/internal/protocol"
	"github.com/nlink/lantransfer/internal/state"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(config.Snapshot{
		Port:         0,
		DeviceName:   "test",
		DownloadDir:  t.TempDir(),
		TrustedHosts: map[string]struct{}{},
		ChunkSize:    config.DefaultChunkSize,
	}, logging.Nop())
	if err := e.StartServer(); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	t.Cleanup(func() { _ = e.StopServer() })
	return e
}

func TestAcceptTransferMintsTokenAndActivates(t *testing.T) {
	e := newTestEngine(t)

	req := protocol.TransferRequest{
		TransferID: "t1",
		Files:      []protocol.FileDescriptor{{ID: "f1", Name: "a.bin", Size: 4}},
		TotalSize:  4,
	}
	if err := e.st.AddPending(&state.PendingTransfer{Request: req}); err != nil {
		t.Fatalf("AddPending: %v", err)
	}

	token, err := e.AcceptTransfer("t1")
	if err != nil {
		t.Fatalf("AcceptTransfer: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if _, ok := e.st.GetActiveIn("t1"); !ok {
		t.Fatal("expected an active-in entry after accept")
	}
}

func TestRejectTransferMovesOutOfPending(t *testing.T) {
	e := newTestEngine(t)

	req := protocol.TransferRequest{
		TransferID: "t1",
		Files:      []protocol.FileDescriptor{{ID: "f1", Name: "a.bin", Size: 4}},
		TotalSize:  4,
	}
	_ = e.st.AddPending(&state.PendingTransfer{Request: req})

	if err := e.RejectTransfer("t1", "no thanks"); err != nil {
		t.Fatalf("RejectTransfer: %v", err)
	}
	if len(e.ListPending()) != 0 {
		t.Fatal("expected pending to be empty after reject")
	}
}

func TestSendFilesRefusedWhenReceiveOnly(t *testing.T) {
	e := New(config.Snapshot{
		Port:        0,
		DownloadDir: t.TempDir(),
		ReceiveOnly: true,
	}, logging.Nop())

	if _, err := e.SendFiles(context.Background(), "127.0.0.1", 1, nil); err == nil {
		t.Fatal("expected an error when receive_only is set")
	}
}

func TestUpdateConfigRebindsOnPortChange(t *testing.T) {
	e := newTestEngine(t)

	// Reconcile the stored snapshot's port (0, meaning "auto") with the
	// port the listener actually bound to, so the next update has a
	// concrete old value to compare against.
	reconciled := *e.cfg.Get()
	reconciled.Port = e.Port()
	if err := e.UpdateConfig(reconciled); err != nil {
		t.Fatalf("UpdateConfig (reconcile): %v", err)
	}
	oldPort := e.Port()

	next := reconciled
	next.Port = 0 // ask for a fresh ephemeral port
	if err := e.UpdateConfig(next); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	// The new listeners are bound before UpdateConfig returns; the pause
	// only lets the Serve goroutines start.
	time.Sleep(50 * time.Millisecond)
	if e.Port() == oldPort {
		t.Skip("ephemeral port happened to be reassigned the same value")
	}
}
