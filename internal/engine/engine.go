// Package engine is the Engine Facade (spec §4.5): it owns the receive
// server, send client, shared state, and event bus, and exposes the
// single control surface a desktop shell or CLI drives the system
// through. It is grounded in the teacher's top-level Service type
// (internal/transfer), generalized from a single transfer map into the
// full send/receive/config/event assembly this spec requires.
package engine

import (
	"context"
	"fmt"

	"github.com/nlink/lantransfer/internal/config"
	"github.com/nlink/lantransfer/internal/events"
	"github.com/nlink/lantransfer/internal/logging"
	"github.com/nlink/lantransfer/internal/sender"
	"github.com/nlink/lantransfer/internal/server"
	"github.com/nlink/lantransfer/internal/state"
)

// Engine assembles every component and is the only type a collaborator
// (CLI, desktop shell) needs to hold a reference to.
type Engine struct {
	cfg *config.Store
	st  *state.State
	bus *events.Bus
	log *logging.Logger

	srv    *server.Server
	client *sender.Client
}

// New builds an Engine from an initial configuration snapshot.
func New(initial config.Snapshot, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.NewDefault()
	}
	cfg := config.NewStore(initial)
	st := state.New()
	bus := events.NewBus(events.DefaultCapacity)

	return &Engine{
		cfg:    cfg,
		st:     st,
		bus:    bus,
		log:    log,
		srv:    server.New(cfg, st, bus, log.With("module", "server")),
		client: sender.New(st, bus, log.With("module", "sender")),
	}
}

// StartServer begins accepting inbound transfer requests. Idempotent.
func (e *Engine) StartServer() error { return e.srv.Start() }

// StopServer stops accepting inbound transfer requests. Idempotent.
func (e *Engine) StopServer() error { return e.srv.Stop() }

// UpdateConfig atomically replaces the configuration snapshot, rebinding
// the receive server's listener if the port changed (spec §4.5).
func (e *Engine) UpdateConfig(next config.Snapshot) error {
	prev := e.cfg.Replace(next)
	if prev != nil && prev.Port != next.Port {
		return e.srv.UpdatePort(next.Port)
	}
	return nil
}

// SendFiles starts an outbound transfer to host:port. Refuses if the
// engine is configured receive_only (spec §4.5).
func (e *Engine) SendFiles(ctx context.Context, host string, port int, paths []string) (string, error) {
	if e.cfg.Get().ReceiveOnly {
		return "", fmt.Errorf("engine is configured receive-only")
	}
	result, err := e.client.SendFiles(ctx, host, port, paths, e.cfg.Get().DeviceName)
	return result.TransferID, err
}

// AcceptTransfer moves a pending transfer to approved, generating and
// returning the upload token a collaborator UI may relay out-of-band.
func (e *Engine) AcceptTransfer(transferID string) (string, error) {
	pending, ok := e.st.GetPending(transferID)
	if !ok {
		return "", state.ErrNotPending
	}
	token, err := e.st.Approve(transferID)
	if err != nil {
		return "", err
	}
	active := e.st.StartActiveIn(transferID, pending.Request.TotalSize, len(pending.Request.Files))
	for _, f := range pending.Request.Files {
		active.PerFileProgress[f.ID] = &state.FileProgress{FileID: f.ID, Name: f.Name, Size: f.Size}
	}
	return token, nil
}

// RejectTransfer moves a pending transfer to rejected with reason.
func (e *Engine) RejectTransfer(transferID, reason string) error {
	return e.st.Reject(transferID, reason)
}

// CancelTransfer flags an active transfer, in either direction, for
// cooperative abort at the next chunk or retry boundary (spec §4.4, §5).
func (e *Engine) CancelTransfer(transferID string) error {
	if a, ok := e.st.GetActiveIn(transferID); ok {
		a.Cancel()
		return nil
	}
	if a, ok := e.st.GetActiveOut(transferID); ok {
		a.Cancel()
		return nil
	}
	return state.ErrUnknownTransfer
}

// AcceptAll approves every currently pending transfer as an atomic
// snapshot operation (spec §4.5).
func (e *Engine) AcceptAll() (map[string]string, error) {
	pendingList := e.st.ListPending()
	tokens, err := e.st.AcceptAll()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*state.PendingTransfer, len(pendingList))
	for _, p := range pendingList {
		byID[p.Request.TransferID] = p
	}
	for id := range tokens {
		p, ok := byID[id]
		if !ok {
			continue
		}
		active := e.st.StartActiveIn(id, p.Request.TotalSize, len(p.Request.Files))
		for _, f := range p.Request.Files {
			active.PerFileProgress[f.ID] = &state.FileProgress{FileID: f.ID, Name: f.Name, Size: f.Size}
		}
	}
	return tokens, nil
}

// RejectAll rejects every currently pending transfer as an atomic
// snapshot operation (spec §4.5).
func (e *Engine) RejectAll(reason string) []string {
	return e.st.RejectAll(reason)
}

// ListPending returns a snapshot of every transfer awaiting approval.
func (e *Engine) ListPending() []*state.PendingTransfer {
	return e.st.ListPending()
}

// ListActive returns a snapshot of every in-flight transfer, inbound
// and outbound.
func (e *Engine) ListActive() []state.Snapshot {
	return e.st.ListActive()
}

// SubscribeEvents returns a new receiver on the engine's broadcast bus
// and a cancel func to release it (spec §4.5).
func (e *Engine) SubscribeEvents() (<-chan events.EngineEvent, func()) {
	return e.bus.Subscribe()
}

// CheckPeer probes whether host:port is reachable, without initiating a
// transfer (spec §4.4 check_peer).
func (e *Engine) CheckPeer(ctx context.Context, host string, port int) sender.PeerStatus {
	return e.client.CheckPeer(ctx, host, port)
}

// Port reports the port the receive server is actually bound to.
func (e *Engine) Port() int { return e.srv.Port() }
