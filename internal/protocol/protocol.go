// Package protocol defines the wire types exchanged between peers
// (spec §3 Data model, §6.1 Wire protocol) and validates them on the
// way in.
package protocol

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// FileDescriptor describes one file within a TransferRequest.
type FileDescriptor struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`
	Size int64  `json:"size" validate:"gte=0"`
	Mime string `json:"mimeType,omitempty"`
}

// TransferRequest is the body POSTed to /transfer.
type TransferRequest struct {
	TransferID string           `json:"transferId" validate:"required"`
	SenderName string           `json:"senderName,omitempty"`
	Files      []FileDescriptor `json:"files" validate:"required,min=1,dive"`
	TotalSize  int64            `json:"totalSize" validate:"gte=0"`
}

// TransferResponse is the body returned by /transfer.
type TransferResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Validate checks structural validity and the invariants from spec §3:
// total_size == Σ files[i].size, no duplicate file ids, names are bare
// filenames (no path separators).
func (r *TransferRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("malformed transfer request: %w", err)
	}

	var sum int64
	seen := make(map[string]struct{}, len(r.Files))
	for _, f := range r.Files {
		if _, dup := seen[f.ID]; dup {
			return fmt.Errorf("duplicate file id %q in transfer request", f.ID)
		}
		seen[f.ID] = struct{}{}

		if f.Name != filepath.Base(f.Name) || strings.ContainsAny(f.Name, `/\`) {
			return fmt.Errorf("file name %q must be a bare filename", f.Name)
		}
		sum += f.Size
	}

	if sum != r.TotalSize {
		return fmt.Errorf("totalSize %d does not match sum of file sizes %d", r.TotalSize, sum)
	}
	return nil
}

// ChunkUploadResult is the success body returned by /chunk.
type ChunkUploadResult struct {
	Status        string `json:"status"`
	File          string `json:"file"`
	BytesReceived int64  `json:"bytes_received"`
}

// ErrorBody is the JSON body returned on non-2xx responses.
type ErrorBody struct {
	Error string `json:"error"`
}
