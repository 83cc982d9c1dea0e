package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nlink/lantransfer/internal/config"
	"github.com/nlink/lantransfer/internal/events"
	"github.com/nlink/lantransfer/internal/logging"
	"github.com/nlink/lantransfer/internal/protocol"
	"github.com/nlink/lantransfer/internal/state"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewStore(config.Snapshot{
		Port:        0,
		DeviceName:  "test",
		DownloadDir: dir,
		TrustedHosts: map[string]struct{}{},
	})
	st := state.New()
	bus := events.NewBus(events.DefaultCapacity)
	srv := New(cfg, st, bus, logging.Nop())

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts, dir
}

func postJSON(t *testing.T, url string, v interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestHappyPathSingleFile(t *testing.T) {
	srv, ts, dir := newTestServer(t)

	req := protocol.TransferRequest{
		TransferID: "t1",
		Files:      []protocol.FileDescriptor{{ID: "f1", Name: "a.bin", Size: 8}},
		TotalSize:  8,
	}
	resp := postJSON(t, ts.URL+"/transfer", req)
	var tresp protocol.TransferResponse
	_ = json.NewDecoder(resp.Body).Decode(&tresp)
	resp.Body.Close()
	if tresp.Accepted {
		t.Fatal("expected not auto-accepted without trusted host")
	}

	// Simulate approval the way the engine facade would.
	pending, ok := srv.st.GetPending("t1")
	if !ok {
		t.Fatal("expected pending transfer")
	}
	token, err := srv.st.Approve("t1")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	active := srv.st.StartActiveIn("t1", pending.Request.TotalSize, len(pending.Request.Files))
	for _, f := range pending.Request.Files {
		active.PerFileProgress[f.ID] = &state.FileProgress{FileID: f.ID, Name: f.Name, Size: f.Size}
	}

	payload := bytes.Repeat([]byte{0x42}, 8)
	chunkURL := ts.URL + "/chunk?transfer_id=t1&file_id=f1&token=" + token
	cresp, err := http.Post(chunkURL, "application/octet-stream", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post chunk: %v", err)
	}
	defer cresp.Body.Close()
	if cresp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", cresp.StatusCode)
	}

	var result protocol.ChunkUploadResult
	_ = json.NewDecoder(cresp.Body).Decode(&result)
	if result.BytesReceived != 8 || result.File != "a.bin" {
		t.Fatalf("unexpected result: %+v", result)
	}

	got, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("file contents do not match payload")
	}
}

func TestChunkBadTokenRejected(t *testing.T) {
	srv, ts, dir := newTestServer(t)

	req := protocol.TransferRequest{
		TransferID: "t1",
		Files:      []protocol.FileDescriptor{{ID: "f1", Name: "a.bin", Size: 4}},
		TotalSize:  4,
	}
	resp := postJSON(t, ts.URL+"/transfer", req)
	resp.Body.Close()

	if _, err := srv.st.Approve("t1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	srv.st.StartActiveIn("t1", 4, 1)

	chunkURL := ts.URL + "/chunk?transfer_id=t1&file_id=f1&token=wrong"
	cresp, err := http.Post(chunkURL, "application/octet-stream", bytes.NewReader([]byte("AAAA")))
	if err != nil {
		t.Fatalf("post chunk: %v", err)
	}
	defer cresp.Body.Close()
	if cresp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", cresp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.bin")); err == nil {
		t.Fatal("expected no file to be created for a bad-token upload")
	}
}

func TestChunkCollisionSequential(t *testing.T) {
	srv, ts, dir := newTestServer(t)

	upload := func(id string, payload []byte) {
		req := protocol.TransferRequest{
			TransferID: id,
			Files:      []protocol.FileDescriptor{{ID: "f1", Name: "report.pdf", Size: int64(len(payload))}},
			TotalSize:  int64(len(payload)),
		}
		resp := postJSON(t, ts.URL+"/transfer", req)
		resp.Body.Close()

		token, err := srv.st.Approve(id)
		if err != nil {
			t.Fatalf("Approve %s: %v", id, err)
		}
		active := srv.st.StartActiveIn(id, int64(len(payload)), 1)
		active.PerFileProgress["f1"] = &state.FileProgress{FileID: "f1", Name: "report.pdf", Size: int64(len(payload))}

		chunkURL := ts.URL + "/chunk?transfer_id=" + id + "&file_id=f1&token=" + token
		cresp, err := http.Post(chunkURL, "application/octet-stream", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("post chunk %s: %v", id, err)
		}
		cresp.Body.Close()
		if cresp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", id, cresp.StatusCode)
		}
	}

	payloadA := bytes.Repeat([]byte("A"), 10)
	payloadB := bytes.Repeat([]byte("B"), 10)
	upload("t1", payloadA)
	upload("t2", payloadB)

	first, err := os.ReadFile(filepath.Join(dir, "report.pdf"))
	if err != nil {
		t.Fatalf("read report.pdf: %v", err)
	}
	second, err := os.ReadFile(filepath.Join(dir, "report (1).pdf"))
	if err != nil {
		t.Fatalf("read report (1).pdf: %v", err)
	}

	if !((bytes.Equal(first, payloadA) && bytes.Equal(second, payloadB)) ||
		(bytes.Equal(first, payloadB) && bytes.Equal(second, payloadA))) {
		t.Fatal("collision targets do not contain the two distinct payloads")
	}
}

func TestChunkSizeMismatchDeletesPartialFile(t *testing.T) {
	srv, ts, dir := newTestServer(t)

	req := protocol.TransferRequest{
		TransferID: "t1",
		Files:      []protocol.FileDescriptor{{ID: "f1", Name: "a.bin", Size: 100}},
		TotalSize:  100,
	}
	resp := postJSON(t, ts.URL+"/transfer", req)
	resp.Body.Close()

	token, _ := srv.st.Approve("t1")
	active := srv.st.StartActiveIn("t1", 100, 1)
	active.PerFileProgress["f1"] = &state.FileProgress{FileID: "f1", Name: "a.bin", Size: 100}

	chunkURL := ts.URL + "/chunk?transfer_id=t1&file_id=f1&token=" + token
	cresp, err := http.Post(chunkURL, "application/octet-stream", bytes.NewReader(bytes.Repeat([]byte("x"), 99)))
	if err != nil {
		t.Fatalf("post chunk: %v", err)
	}
	defer cresp.Body.Close()
	if cresp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", cresp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.bin")); err == nil {
		t.Fatal("expected partial file to be deleted on size mismatch")
	}
	if srv.st.CheckToken("t1", token) {
		t.Fatal("expected token invalidated after failure")
	}
}

func TestTrustedHostAutoAccepts(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewStore(config.Snapshot{
		Port:         0,
		DownloadDir:  dir,
		TrustedHosts: config.NewTrustedHostSet([]string{"127.0.0.1"}),
	})
	st := state.New()
	bus := events.NewBus(events.DefaultCapacity)
	srv := New(cfg, st, bus, logging.Nop())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := protocol.TransferRequest{
		TransferID: "t1",
		Files:      []protocol.FileDescriptor{{ID: "f1", Name: "a.bin", Size: 4}},
		TotalSize:  4,
	}
	resp := postJSON(t, ts.URL+"/transfer", req)
	var tresp protocol.TransferResponse
	_ = json.NewDecoder(resp.Body).Decode(&tresp)
	resp.Body.Close()

	if !tresp.Accepted {
		t.Fatal("expected auto-accept for a trusted host")
	}
	if tresp.Token == "" {
		t.Fatal("expected a token on auto-accept")
	}
	if !st.CheckToken("t1", tresp.Token) {
		t.Fatal("expected the returned token to validate")
	}
}
