// Package state is the engine's in-memory registry of pending requests,
// approved tokens and active transfers (spec §4.2 Shared State). It is
// owned by the engine facade and shared, via read-and-mutate handles,
// between the receive server and the send client.
package state

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/nlink/lantransfer/internal/protocol"
)

// PendingTransfer is a received TransferRequest awaiting user approval
// (spec §3).
type PendingTransfer struct {
	Request    protocol.TransferRequest
	SourceIP   string
	ReceivedAt time.Time
}

// RejectedRecord is a short-lived terminal record kept for UI display
// after a rejection.
type RejectedRecord struct {
	TransferID string
	Reason     string
	RejectedAt time.Time
}

// FileProgress tracks bytes written/read for a single file within a
// transfer.
type FileProgress struct {
	FileID      string
	Name        string
	Size        int64
	Transferred int64
}

// ActiveTransfer is an approved transfer with at least one file still in
// flight, on either the receive or the send side (spec §3).
type ActiveTransfer struct {
	TransferID       string
	TotalSize        int64
	FilesRemaining   int
	BytesTransferred int64
	StartedAt        time.Time
	PerFileProgress  map[string]*FileProgress

	mu        sync.Mutex
	cancelled bool
}

// Cancel flags the transfer for cooperative abort (spec §4.4, §5).
func (a *ActiveTransfer) Cancel() {
	a.mu.Lock()
	a.cancelled = true
	a.mu.Unlock()
}

// Cancelled reports whether Cancel has been called.
func (a *ActiveTransfer) Cancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// AddBytes records n additional bytes transferred against fileID,
// returning both the transfer-wide total and the file's own total.
// Safe for concurrent use by the streaming goroutine.
func (a *ActiveTransfer) AddBytes(fileID, name string, n int64, fileSize int64) (total, fileTotal int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fp, ok := a.PerFileProgress[fileID]
	if !ok {
		fp = &FileProgress{FileID: fileID, Name: name, Size: fileSize}
		a.PerFileProgress[fileID] = fp
	}
	fp.Transferred += n
	a.BytesTransferred += n
	return a.BytesTransferred, fp.Transferred
}

// Totals returns the transfer-wide bytes transferred so far, guarded by
// the same lock AddBytes uses (spec §4.6 progress events must reflect a
// consistent snapshot, not a racy direct field read).
func (a *ActiveTransfer) Totals() (transferred, total int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.BytesTransferred, a.TotalSize
}

// FileProgress returns a copy of the per-file progress record for
// fileID, guarded by the same lock AddBytes uses — a transfer's files
// are uploaded sequentially by this repo's own sender, but the server
// must not assume that of every caller, so reading PerFileProgress
// directly (unguarded) would race with a concurrent AddBytes call.
func (a *ActiveTransfer) FileProgress(fileID string) (FileProgress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fp, ok := a.PerFileProgress[fileID]
	if !ok {
		return FileProgress{}, false
	}
	return *fp, true
}

// DecrementRemaining records one file as finished and returns the
// number of files still outstanding, guarded by the same lock AddBytes
// uses so it can't race with a concurrent chunk upload on this
// transfer.
func (a *ActiveTransfer) DecrementRemaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.FilesRemaining--
	return a.FilesRemaining
}

// Snapshot is a point-in-time, lock-free copy safe to hand to callers.
type Snapshot struct {
	TransferID       string
	TotalSize        int64
	BytesTransferred int64
	StartedAt        time.Time
}

func (a *ActiveTransfer) snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		TransferID:       a.TransferID,
		TotalSize:        a.TotalSize,
		BytesTransferred: a.BytesTransferred,
		StartedAt:        a.StartedAt,
	}
}

// State is the shared, concurrency-safe registry described in spec §4.2.
//
// mu guards pending/approved/rejected together because moves between
// those three sets must preserve the invariant that a transfer_id
// appears in at most one of them at any instant (spec §8). activeMu is
// separate and guards the two active-transfer maps, which have no
// cross-set invariant to protect. Per-chunk progress updates take only
// the individual ActiveTransfer's own lock, not activeMu.
type State struct {
	mu       sync.RWMutex
	pending  map[string]*PendingTransfer
	approved map[string]string // transfer_id -> token
	rejected map[string]*RejectedRecord

	activeMu  sync.RWMutex
	activeIn  map[string]*ActiveTransfer
	activeOut map[string]*ActiveTransfer
}

// New creates an empty State.
func New() *State {
	return &State{
		pending:   make(map[string]*PendingTransfer),
		approved:  make(map[string]string),
		rejected:  make(map[string]*RejectedRecord),
		activeIn:  make(map[string]*ActiveTransfer),
		activeOut: make(map[string]*ActiveTransfer),
	}
}

// ErrDuplicateTransfer is returned when a transfer_id is already present
// in one of the pending/approved/rejected sets.
var ErrDuplicateTransfer = fmt.Errorf("transfer id already in use")

// ErrNotPending is returned by operations that require a transfer to be
// in the pending set.
var ErrNotPending = fmt.Errorf("transfer is not pending")

// ErrUnknownTransfer is returned when a transfer_id is not recognized.
var ErrUnknownTransfer = fmt.Errorf("unknown transfer id")

// AddPending registers an inbound request as pending. Fails if the
// transfer_id is already pending, approved, or rejected.
func (s *State) AddPending(p *PendingTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := p.Request.TransferID
	if _, ok := s.pending[id]; ok {
		return ErrDuplicateTransfer
	}
	if _, ok := s.approved[id]; ok {
		return ErrDuplicateTransfer
	}
	if _, ok := s.rejected[id]; ok {
		return ErrDuplicateTransfer
	}
	s.pending[id] = p
	return nil
}

// GetPending returns the pending record for id, if any.
func (s *State) GetPending(id string) (*PendingTransfer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[id]
	return p, ok
}

// ListPending returns a snapshot copy of every pending transfer. The
// returned slice shares no further mutable state with the registry, so
// callers may inspect it without holding any lock (spec §4.5 list_pending).
func (s *State) ListPending() []*PendingTransfer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PendingTransfer, 0, len(s.pending))
	for _, p := range s.pending {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// generateToken returns a 256-bit unguessable hex token (spec §8: tokens
// must carry >= 128 bits of entropy).
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewToken exposes generateToken to callers outside the package that
// need to mint a token ahead of an Approve call, such as the trusted-host
// auto-accept path in the receive server.
func NewToken() (string, error) {
	return generateToken()
}

// Approve moves a transfer from pending to approved, minting a fresh
// token and returning it.
func (s *State) Approve(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[id]; !ok {
		return "", ErrNotPending
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	delete(s.pending, id)
	s.approved[id] = token
	return token, nil
}

// ApproveWithToken records id as approved with a caller-supplied token,
// without requiring a pending record first — used for the trusted-host
// auto-accept path (spec §4.3 step 2), where a token is synthesized
// directly on request arrival.
func (s *State) ApproveWithToken(id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approved[id]; ok {
		return ErrDuplicateTransfer
	}
	if _, ok := s.rejected[id]; ok {
		return ErrDuplicateTransfer
	}
	s.approved[id] = token
	return nil
}

// Reject moves a transfer from pending to rejected with a reason.
func (s *State) Reject(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[id]; !ok {
		return ErrNotPending
	}
	delete(s.pending, id)
	s.rejected[id] = &RejectedRecord{TransferID: id, Reason: reason, RejectedAt: time.Now()}
	return nil
}

// AcceptAll atomically drains every currently pending transfer into
// approved and returns the minted id->token map. New arrivals during
// the call are not folded in (spec §4.5 accept_all/reject_all must be
// atomic snapshots).
func (s *State) AcceptAll() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := make(map[string]string, len(s.pending))
	for id := range s.pending {
		token, err := generateToken()
		if err != nil {
			return nil, err
		}
		tokens[id] = token
	}
	for id, token := range tokens {
		delete(s.pending, id)
		s.approved[id] = token
	}
	return tokens, nil
}

// RejectAll atomically moves every currently pending transfer to rejected.
func (s *State) RejectAll(reason string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pending))
	now := time.Now()
	for id := range s.pending {
		ids = append(ids, id)
	}
	for _, id := range ids {
		delete(s.pending, id)
		s.rejected[id] = &RejectedRecord{TransferID: id, Reason: reason, RejectedAt: now}
	}
	return ids
}

// CheckToken reports whether token authorizes id, using a constant-time
// comparison (spec §5, §8).
func (s *State) CheckToken(id, token string) bool {
	s.mu.RLock()
	expected, ok := s.approved[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}

// CompleteApproved removes id from approved on terminal success.
func (s *State) CompleteApproved(id string) {
	s.mu.Lock()
	delete(s.approved, id)
	s.mu.Unlock()
}

// FailApproved removes id from approved and records a rejected entry
// carrying the failure reason, on terminal failure.
func (s *State) FailApproved(id, reason string) {
	s.mu.Lock()
	delete(s.approved, id)
	s.rejected[id] = &RejectedRecord{TransferID: id, Reason: reason, RejectedAt: time.Now()}
	s.mu.Unlock()
}

// StartActiveIn registers a new receive-side active transfer.
func (s *State) StartActiveIn(id string, totalSize int64, fileCount int) *ActiveTransfer {
	a := &ActiveTransfer{
		TransferID:      id,
		TotalSize:       totalSize,
		FilesRemaining:  fileCount,
		StartedAt:       time.Now(),
		PerFileProgress: make(map[string]*FileProgress),
	}
	s.activeMu.Lock()
	s.activeIn[id] = a
	s.activeMu.Unlock()
	return a
}

// StartActiveOut registers a new send-side active transfer.
func (s *State) StartActiveOut(id string, totalSize int64, fileCount int) *ActiveTransfer {
	a := &ActiveTransfer{
		TransferID:      id,
		TotalSize:       totalSize,
		FilesRemaining:  fileCount,
		StartedAt:       time.Now(),
		PerFileProgress: make(map[string]*FileProgress),
	}
	s.activeMu.Lock()
	s.activeOut[id] = a
	s.activeMu.Unlock()
	return a
}

// GetActiveOut returns the send-side active transfer for id, if any.
func (s *State) GetActiveOut(id string) (*ActiveTransfer, bool) {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	a, ok := s.activeOut[id]
	return a, ok
}

// GetActiveIn returns the receive-side active transfer for id, if any.
func (s *State) GetActiveIn(id string) (*ActiveTransfer, bool) {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	a, ok := s.activeIn[id]
	return a, ok
}

// FinishActiveIn removes a receive-side active transfer once terminal.
func (s *State) FinishActiveIn(id string) {
	s.activeMu.Lock()
	delete(s.activeIn, id)
	s.activeMu.Unlock()
}

// FinishActiveOut removes a send-side active transfer once terminal.
func (s *State) FinishActiveOut(id string) {
	s.activeMu.Lock()
	delete(s.activeOut, id)
	s.activeMu.Unlock()
}

// ListActive returns snapshots of every active transfer across both
// directions, for diagnostics/UI use.
func (s *State) ListActive() []Snapshot {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	out := make([]Snapshot, 0, len(s.activeIn)+len(s.activeOut))
	for _, a := range s.activeIn {
		out = append(out, a.snapshot())
	}
	for _, a := range s.activeOut {
		out = append(out, a.snapshot())
	}
	return out
}
