// Package sender implements the Send Client (spec §4.4): it resolves a
// peer, requests a transfer, waits out the approval handshake with
// backoff, and streams each file's bytes with a bounded retry policy.
// It is grounded in the teacher's outbound HTTP usage (internal/api
// client calls) generalized to the multi-IP resolution and two-phase
// accept protocol this spec defines, with per-file retry delegated to
// rescale-labs' retryablehttp-backed client (internal/api/client.go).
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/nlink/lantransfer/internal/events"
	"github.com/nlink/lantransfer/internal/logging"
	"github.com/nlink/lantransfer/internal/netresolve"
	"github.com/nlink/lantransfer/internal/protocol"
	"github.com/nlink/lantransfer/internal/state"
)

// PeerStatus is the outcome of a reachability probe.
type PeerStatus string

const (
	PeerReachable PeerStatus = "reachable"
	PeerRefused   PeerStatus = "refused"
	PeerTimeout   PeerStatus = "timeout"
	PeerOther     PeerStatus = "other"
)

const (
	connectTimeout = 10 * time.Second
	totalTimeout   = 30 * time.Second

	requestBackoffFloor = 1 * time.Second
	requestBackoffCap   = 10 * time.Second
	requestTotalCap     = 5 * time.Minute

	chunkMaxAttempts = 3
)

// Client is the outbound half of the engine. It is stateless with
// respect to the receive server: all per-transfer bookkeeping lives in
// the shared state.State it's given.
type Client struct {
	st  *state.State
	bus *events.Bus
	log *logging.Logger

	plain *http.Client
}

// New creates a send Client over the given shared state and event bus.
func New(st *state.State, bus *events.Bus, log *logging.Logger) *Client {
	if log == nil {
		log = logging.Nop()
	}

	return &Client{
		st:    st,
		bus:   bus,
		log:   log,
		plain: &http.Client{Timeout: totalTimeout},
	}
}

// newChunkRetryClient builds a retryablehttp.Client scoped to a single
// file upload: chunkMaxAttempts total attempts with backoff, aborting
// early if active is cancelled, and publishing a KindTransferRetry
// event on each retry. A fresh client per call avoids sharing mutable
// retry state (CheckRetry closes over transferID/active) across concurrent
// uploads on the same Client.
func (c *Client) newChunkRetryClient(transferID string, fd protocol.FileDescriptor, active *state.ActiveTransfer) *retryablehttp.Client {
	retry := retryablehttp.NewClient()
	retry.RetryMax = chunkMaxAttempts - 1
	retry.RetryWaitMin = 500 * time.Millisecond
	retry.RetryWaitMax = 4 * time.Second
	retry.Logger = nil
	retry.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if active.Cancelled() {
			return false, fmt.Errorf("cancelled")
		}
		shouldRetry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		if shouldRetry {
			c.bus.Publish(events.EngineEvent{
				Kind: events.KindTransferRetry, TransferID: transferID,
				MaxAttempts: chunkMaxAttempts, Error: retryReason(resp, err),
			})
		}
		return shouldRetry, checkErr
	}
	return retry
}

func retryReason(resp *http.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	if resp != nil {
		return fmt.Sprintf("peer returned %d", resp.StatusCode)
	}
	return "transient failure"
}

// CheckPeer probes host:port's /health endpoint with a 10s connect / 30s
// total timeout, classifying the result per spec §4.4.
func (c *Client) CheckPeer(ctx context.Context, host string, port int) PeerStatus {
	ctx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{DialContext: dialer.DialContext}
	hc := &http.Client{Transport: transport, Timeout: totalTimeout}

	url := fmt.Sprintf("http://%s/health", net.JoinHostPort(host, itoa(port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PeerOther
	}

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return PeerTimeout
		}
		if isConnRefused(err) {
			return PeerRefused
		}
		return PeerOther
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return PeerReachable
	}
	return PeerOther
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	if !asOpErr(err, &opErr) {
		return false
	}
	return errors.Is(opErr.Err, syscall.ECONNREFUSED)
}

func asOpErr(err error, target **net.OpError) bool {
	for err != nil {
		if op, ok := err.(*net.OpError); ok {
			*target = op
			return true
		}
		unwrap, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrap.Unwrap()
	}
	return false
}

// SendFilesResult is returned once a send_files operation reaches a
// terminal state.
type SendFilesResult struct {
	TransferID string
	Succeeded  bool
	Error      string
}

// SendFiles resolves host, picks the first reachable IP, requests the
// transfer, waits out approval, and streams every file. A single
// transfer_id is generated once and reused for the whole operation —
// the original implementation minted a second, different id for the
// chunk-upload phase, which made the receiver unable to correlate
// uploads with the approved request; this does not repeat that bug.
func (c *Client) SendFiles(ctx context.Context, host string, port int, paths []string, senderName string) (SendFilesResult, error) {
	resolved := netresolve.Resolve(host)
	if !resolved.Success {
		return SendFilesResult{}, fmt.Errorf("resolve %q: %s", host, resolved.Error)
	}

	var targetIP string
	for _, ip := range resolved.IPs {
		if c.CheckPeer(ctx, ip, port) == PeerReachable {
			targetIP = ip
			break
		}
	}
	if targetIP == "" {
		return SendFilesResult{}, fmt.Errorf("no reachable address for %q among %v", host, resolved.IPs)
	}

	files, totalSize, err := describeFiles(paths)
	if err != nil {
		return SendFilesResult{}, err
	}

	transferID := uuid.NewString()
	req := protocol.TransferRequest{
		TransferID: transferID,
		SenderName: senderName,
		Files:      files,
		TotalSize:  totalSize,
	}

	base := fmt.Sprintf("http://%s", net.JoinHostPort(targetIP, itoa(port)))

	token, err := c.awaitApproval(ctx, base, req)
	if err != nil {
		c.bus.Publish(events.EngineEvent{Kind: events.KindTransferFailed, TransferID: transferID, Error: err.Error()})
		return SendFilesResult{TransferID: transferID}, err
	}

	active := c.st.StartActiveOut(transferID, totalSize, len(files))
	defer c.st.FinishActiveOut(transferID)

	for i, fd := range files {
		if active.Cancelled() {
			reason := "cancelled"
			c.bus.Publish(events.EngineEvent{Kind: events.KindTransferFailed, TransferID: transferID, Error: reason})
			return SendFilesResult{TransferID: transferID, Error: reason}, fmt.Errorf(reason)
		}

		if err := c.uploadFile(ctx, base, transferID, token, paths[i], fd, active); err != nil {
			c.bus.Publish(events.EngineEvent{Kind: events.KindTransferFailed, TransferID: transferID, Error: err.Error()})
			return SendFilesResult{TransferID: transferID, Error: err.Error()}, err
		}
	}

	c.bus.Publish(events.EngineEvent{Kind: events.KindTransferComplete, TransferID: transferID})
	return SendFilesResult{TransferID: transferID, Succeeded: true}, nil
}

func describeFiles(paths []string) ([]protocol.FileDescriptor, int64, error) {
	files := make([]protocol.FileDescriptor, 0, len(paths))
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, 0, fmt.Errorf("stat %q: %w", p, err)
		}
		if info.IsDir() {
			return nil, 0, fmt.Errorf("%q is a directory", p)
		}
		files = append(files, protocol.FileDescriptor{
			ID:   uuid.NewString(),
			Name: filepath.Base(p),
			Size: info.Size(),
		})
		total += info.Size()
	}
	return files, total, nil
}

// awaitApproval POSTs /transfer and, while the receiver hasn't decided,
// retries with exponential backoff until accepted, a terminal rejection
// arrives, or the overall time budget is exhausted (spec §4.4 step 5).
func (c *Client) awaitApproval(ctx context.Context, base string, req protocol.TransferRequest) (string, error) {
	deadline := time.Now().Add(requestTotalCap)
	wait := requestBackoffFloor
	attempt := 0

	for {
		attempt++
		resp, err := c.postTransfer(ctx, base, req)
		if err != nil {
			return "", err
		}
		if resp.Accepted {
			return resp.Token, nil
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("transfer not approved within %s", requestTotalCap)
		}

		c.bus.Publish(events.EngineEvent{
			Kind:        events.KindTransferRetry,
			TransferID:  req.TransferID,
			Attempt:     attempt,
			MaxAttempts: 0,
			Error:       resp.Message,
		})

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}

		wait *= 2
		if wait > requestBackoffCap {
			wait = requestBackoffCap
		}
	}
}

func (c *Client) postTransfer(ctx context.Context, base string, req protocol.TransferRequest) (protocol.TransferResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.TransferResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/transfer", bytes.NewReader(body))
	if err != nil {
		return protocol.TransferResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.plain.Do(httpReq)
	if err != nil {
		return protocol.TransferResponse{}, fmt.Errorf("post /transfer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return protocol.TransferResponse{}, fmt.Errorf("transfer rejected by peer")
	}

	var out protocol.TransferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return protocol.TransferResponse{}, fmt.Errorf("decode /transfer response: %w", err)
	}
	return out, nil
}

// uploadFile streams one file's bytes to /chunk. The retry, backoff,
// and cancellation-checking across chunkMaxAttempts attempts are all
// delegated to a scoped retryablehttp.Client (spec §4.4 step 6).
func (c *Client) uploadFile(ctx context.Context, base, transferID, token, path string, fd protocol.FileDescriptor, active *state.ActiveTransfer) error {
	if active.Cancelled() {
		return fmt.Errorf("cancelled")
	}

	url := fmt.Sprintf("%s/chunk?transfer_id=%s&file_id=%s&token=%s", base, transferID, fd.ID, token)

	// A ReaderFunc (rather than a single io.Reader) lets retryablehttp
	// reopen the file from byte zero on each retry it decides to make,
	// instead of resuming a partially-consumed stream.
	reqBody := func() (io.Reader, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return &countingReader{r: f, active: active, onRead: func(n int64) {
			overall, fileTotal := active.AddBytes(fd.ID, fd.Name, n, fd.Size)
			c.bus.Publish(events.EngineEvent{
				Kind: events.KindProgress,
				Progress: &events.Progress{
					TransferID:       transferID,
					CurrentFile:      fd.Name,
					BytesTransferred: fileTotal,
					TotalBytes:       fd.Size,
					OverallBytes:     overall,
					OverallTotal:     active.TotalSize,
				},
			})
		}}, nil
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		return err
	}
	httpReq.ContentLength = fd.Size
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	retry := c.newChunkRetryClient(transferID, fd, active)
	resp, err := retry.Do(httpReq)
	if err != nil {
		return fmt.Errorf("upload %q: %w", fd.Name, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("upload %q: peer returned %d: %s", fd.Name, resp.StatusCode, string(body))
	}
	return nil
}

// countingReader wraps an io.Reader, invoking onRead with each chunk's
// size as it is read — used to drive progress events during upload
// without buffering the whole file in memory. It also checks active's
// cancel flag on every read, so a cancel observed mid-file aborts the
// upload at the next chunk boundary instead of only between files
// (spec §5: cancellation must be observed "at each chunk boundary and
// between files", mirroring the receive side's streamChunk).
type countingReader struct {
	r      io.Reader
	active *state.ActiveTransfer
	onRead func(n int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	if c.active != nil && c.active.Cancelled() {
		return 0, fmt.Errorf("cancelled")
	}
	n, err := c.r.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(int64(n))
	}
	return n, err
}

func (c *countingReader) Close() error {
	if closer, ok := c.r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}
