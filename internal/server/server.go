// Package server implements the Receive Server (spec §4.3): the HTTP
// surface a peer uses to request a transfer, stream chunk uploads, and
// subscribe to lifecycle events. It is a generalization of the
// teacher's internal/api.Server — the websocket broadcast hub survives
// as a secondary mirror of the SSE event stream, but the HTTP routes,
// auth model, and request handling are rebuilt around the token-gated
// two-phase transfer protocol this spec defines.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nlink/lantransfer/internal/config"
	"github.com/nlink/lantransfer/internal/events"
	"github.com/nlink/lantransfer/internal/logging"
	"github.com/nlink/lantransfer/internal/protocol"
	"github.com/nlink/lantransfer/internal/state"
)

const (
	progressByteThreshold = 64 * 1024
	progressTimeThreshold = 250 * time.Millisecond
	heartbeatInterval     = 15 * time.Second
	shutdownGrace         = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the receive-side HTTP surface described in spec §4.3.
type Server struct {
	cfg *config.Store
	st  *state.State
	bus *events.Bus
	log *logging.Logger

	mu        sync.Mutex
	listeners []net.Listener
	httpSrv   *http.Server
}

// New creates a Server. Call Start to bind and begin accepting.
func New(cfg *config.Store, st *state.State, bus *events.Bus, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{cfg: cfg, st: st, bus: bus, log: log}
}

// Router returns the server's HTTP handler, exported so tests can drive
// it directly over httptest without binding a real dual-stack listener.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("POST /transfer", s.handleTransfer)
	mux.HandleFunc("POST /chunk", s.handleChunk)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Start binds dual-stack listeners (0.0.0.0 and ::) on the configured
// port and begins serving (spec §4.3: "Bound to 0.0.0.0 AND :: on
// configured port; dual-stack"). Idempotent: calling Start while
// already running is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return nil
	}

	port := s.cfg.Get().Port
	lns, err := bindDualStack(port)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: s.Router()}
	for _, ln := range lns {
		ln := ln
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				s.log.Error().Err(err).Msg("listener exited")
			}
		}()
	}

	s.listeners = lns
	s.httpSrv = srv
	s.log.Info().Int("port", port).Msg("receive server started")
	s.bus.Publish(events.EngineEvent{Kind: events.KindServerStarted, Port: port})
	return nil
}

// Stop shuts the server down, draining in-flight requests up to
// shutdownGrace before forcibly closing sockets (spec §5). Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.listeners = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := srv.Shutdown(ctx)
	s.bus.Publish(events.EngineEvent{Kind: events.KindServerStopped})
	return err
}

// UpdatePort rebinds the listener to newPort: the new listener is bound
// before the old one is drained and closed, so there is no window where
// the service is unreachable on both the old and new port (spec §4.3
// Listener restart). If the listener is already bound to newPort, it is
// left as is.
func (s *Server) UpdatePort(newPort int) error {
	s.mu.Lock()
	oldSrv := s.httpSrv
	oldPort := s.cfg.Get().Port
	if len(s.listeners) > 0 {
		oldPort = s.listeners[0].Addr().(*net.TCPAddr).Port
	}
	s.mu.Unlock()

	if oldSrv == nil {
		return s.Start()
	}
	if newPort != 0 && newPort == oldPort {
		return nil
	}

	lns, err := bindDualStack(newPort)
	if err != nil {
		return fmt.Errorf("bind new port %d: %w", newPort, err)
	}

	newSrv := &http.Server{Handler: s.Router()}
	for _, ln := range lns {
		ln := ln
		go func() {
			if err := newSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				s.log.Error().Err(err).Msg("listener exited")
			}
		}()
	}

	s.mu.Lock()
	s.httpSrv = newSrv
	s.listeners = lns
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = oldSrv.Shutdown(ctx)

	s.log.Info().Int("oldPort", oldPort).Int("newPort", newPort).Msg("port changed")
	s.bus.Publish(events.EngineEvent{Kind: events.KindPortChanged, OldPort: oldPort, Port: newPort})
	return nil
}

func bindDualStack(port int) ([]net.Listener, error) {
	var lns []net.Listener

	ln4, err := net.Listen("tcp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind ipv4: %w", err)
	}
	lns = append(lns, ln4)

	// If port was 0 (auto-assign), pin the v6 listener to the same port
	// the v4 listener actually received.
	actualPort := port
	if port == 0 {
		actualPort = ln4.Addr().(*net.TCPAddr).Port
	}

	ln6, err := net.Listen("tcp6", fmt.Sprintf("[::]:%d", actualPort))
	if err != nil {
		// Dual-stack is best-effort: some hosts have IPv6 disabled entirely.
		return lns, nil
	}
	lns = append(lns, ln6)
	return lns, nil
}

// Port returns the port currently bound to, reading back the actual
// port from the first listener (useful when the configured port was 0).
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return s.cfg.Get().Port
	}
	return s.listeners[0].Addr().(*net.TCPAddr).Port
}

// ---- Handlers ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"app":     config.AppName,
		"version": config.AppVersion,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    s.cfg.Get().DeviceName,
		"app":     config.AppName,
		"version": config.AppVersion,
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req protocol.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg := s.cfg.Get()
	sourceIP := hostOnly(r.RemoteAddr)

	if !cfg.ReceiveOnly && cfg.IsTrusted(sourceIP) {
		token, err := generateAndActivate(s.st, req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.log.With("transferId", req.TransferID).Info().Str("sourceIp", sourceIP).Msg("auto-accepted trusted host")
		writeJSON(w, http.StatusOK, protocol.TransferResponse{
			Accepted: true,
			Message:  "auto-accepted from trusted host",
			Token:    token,
		})
		return
	}

	// receive_only only disables the outbound send path (spec §4.5); an
	// untrusted sender still reaches the normal pending/approval flow.
	pending := &state.PendingTransfer{Request: req, SourceIP: sourceIP, ReceivedAt: time.Now()}
	if err := s.st.AddPending(pending); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.bus.Publish(events.EngineEvent{
		Kind: events.KindTransferRequest,
		TransferRequest: &events.PendingTransfer{
			TransferID: req.TransferID,
			SenderName: req.SenderName,
			SourceIP:   sourceIP,
			TotalSize:  req.TotalSize,
			FileCount:  len(req.Files),
			ReceivedAt: pending.ReceivedAt,
		},
	})

	writeJSON(w, http.StatusOK, protocol.TransferResponse{
		Accepted: false,
		Message:  "awaiting approval",
	})
}

func generateAndActivate(st *state.State, req protocol.TransferRequest) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	if err := st.ApproveWithToken(req.TransferID, token); err != nil {
		return "", err
	}
	activateFiles(st, req)
	return token, nil
}

func activateFiles(st *state.State, req protocol.TransferRequest) *state.ActiveTransfer {
	active := st.StartActiveIn(req.TransferID, req.TotalSize, len(req.Files))
	for _, f := range req.Files {
		active.PerFileProgress[f.ID] = &state.FileProgress{FileID: f.ID, Name: f.Name, Size: f.Size}
	}
	return active
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	transferID := q.Get("transfer_id")
	fileID := q.Get("file_id")
	token := q.Get("token")
	if transferID == "" || fileID == "" || token == "" {
		writeError(w, http.StatusBadRequest, "transfer_id, file_id and token are all required")
		return
	}

	if !s.st.CheckToken(transferID, token) {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	active, ok := s.st.GetActiveIn(transferID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown transfer")
		return
	}
	fp, ok := active.FileProgress(fileID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown file in transfer")
		return
	}

	downloadDir := s.cfg.Get().DownloadDir
	file, finalName, err := reserveTarget(downloadDir, fp.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create file: %v", err))
		return
	}

	bytesReceived, err := s.streamChunk(r, file, active, fp, finalName)
	if err != nil {
		file.Close()
		os.Remove(filepath.Join(downloadDir, finalName))
		s.st.FailApproved(transferID, err.Error())
		s.st.FinishActiveIn(transferID)
		s.bus.Publish(events.EngineEvent{Kind: events.KindTransferFailed, TransferID: transferID, Error: err.Error()})
		if err.Error() == "cancelled" {
			writeError(w, http.StatusBadRequest, "cancelled")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if bytesReceived != fp.Size {
		file.Close()
		os.Remove(filepath.Join(downloadDir, finalName))
		reason := fmt.Sprintf("size mismatch: expected %d bytes, got %d", fp.Size, bytesReceived)
		s.st.FailApproved(transferID, reason)
		s.st.FinishActiveIn(transferID)
		s.bus.Publish(events.EngineEvent{Kind: events.KindTransferFailed, TransferID: transferID, Error: reason})
		// spec §4.3 step 6 and the worked scenario in §8 both call for a
		// 500 here, not the 413 suggested by the summary table in §4.3.
		writeError(w, http.StatusInternalServerError, reason)
		return
	}

	if err := file.Sync(); err != nil {
		s.log.Warn().Err(err).Str("transferId", transferID).Msg("fsync failed")
	}
	file.Close()

	remaining := active.DecrementRemaining()
	if remaining <= 0 {
		s.st.CompleteApproved(transferID)
		s.st.FinishActiveIn(transferID)
		s.bus.Publish(events.EngineEvent{Kind: events.KindTransferComplete, TransferID: transferID})
	}

	writeJSON(w, http.StatusOK, protocol.ChunkUploadResult{
		Status:        "ok",
		File:          finalName,
		BytesReceived: bytesReceived,
	})
}

// streamChunk copies r.Body into file, emitting Progress events on the
// engine's event bus at the byte/time cadence spec §4.3 step 5 defines,
// and aborting cleanly if the transfer is cancelled mid-stream.
func (s *Server) streamChunk(r *http.Request, file *os.File, active *state.ActiveTransfer, fp state.FileProgress, name string) (int64, error) {
	buf := make([]byte, 32*1024)
	var received int64
	var sinceProgress int64
	lastEmit := time.Now()

	for {
		if active.Cancelled() {
			return received, fmt.Errorf("cancelled")
		}

		n, readErr := r.Body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return received, fmt.Errorf("write: %w", werr)
			}
			received += int64(n)
			sinceProgress += int64(n)
			overall, fileTotal := active.AddBytes(fp.FileID, fp.Name, int64(n), fp.Size)

			if sinceProgress >= progressByteThreshold || time.Since(lastEmit) >= progressTimeThreshold {
				elapsed := time.Since(active.StartedAt).Seconds()
				speed := 0.0
				if elapsed > 0 {
					speed = float64(overall) / elapsed
				}
				s.bus.Publish(events.EngineEvent{
					Kind: events.KindProgress,
					Progress: &events.Progress{
						TransferID:       active.TransferID,
						CurrentFile:      name,
						BytesTransferred: fileTotal,
						TotalBytes:       fp.Size,
						OverallBytes:     overall,
						OverallTotal:     active.TotalSize,
						SpeedBytesPerSec: speed,
					},
				})
				sinceProgress = 0
				lastEmit = time.Now()
			}
		}
		if readErr == io.EOF {
			return received, nil
		}
		if readErr != nil {
			return received, fmt.Errorf("read: %w", readErr)
		}
	}
}

// reserveTarget atomically reserves a collision-free path under
// downloadDir for the given leaf name, using the "name (k).ext" pattern
// (spec §4.3 step 4), and guards against path traversal (spec §4.3
// step 3, §8).
func reserveTarget(downloadDir, name string) (*os.File, string, error) {
	base := filepath.Base(name)
	if base != name || base == "." || base == ".." {
		return nil, "", fmt.Errorf("invalid file name %q", name)
	}

	absDir, err := filepath.Abs(downloadDir)
	if err != nil {
		return nil, "", err
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for k := 0; ; k++ {
		candidate := base
		if k > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, k, ext)
		}

		target := filepath.Join(absDir, candidate)
		if !strings.HasPrefix(target, absDir+string(filepath.Separator)) && target != absDir {
			return nil, "", fmt.Errorf("resolved path escapes download directory")
		}

		f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !os.IsExist(err) {
			return nil, "", err
		}
		// candidate taken, try the next k
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleWS mirrors the SSE event stream over a websocket connection, for
// collaborators that prefer a persistent duplex socket over SSE. This
// is a secondary transport: the wire protocol in spec §6.1 is
// satisfied entirely by /events.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func randomToken() (string, error) {
	return state.NewToken()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorBody{Error: msg})
}
