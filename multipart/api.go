package multipart

import (
	"context"
	"os"
)

// UploadRef identifies a multipart upload on the service.
type UploadRef struct {
	Bucket   string
	Key      string
	UploadID string
}

// PartRequest carries one part to the service. The part bytes are available both as the
// staged file at BodyPath and as Source[Beg:End).
type PartRequest struct {
	Upload     UploadRef
	Number     int
	BodyPath   string
	Source     *os.File
	Beg        int64
	End        int64
	ContentMD5 string
}

// Size ...
func (r PartRequest) Size() int64 {
	return r.End - r.Beg
}

// CompleteRequest asks the service to assemble the uploaded parts. ManifestPath names a file
// holding the same parts as Parts in manifest form.
type CompleteRequest struct {
	Upload       UploadRef
	ManifestPath string
	Parts        []CompletedPart
}

// CompleteResult is what the service reports for the assembled object.
type CompleteResult struct {
	Bucket   string
	Key      string
	Location string
	ETag     string
}

// API is the storage service side of a multipart upload.
type API interface {
	// Begin creates an upload and returns its identifiers.
	Begin(ctx context.Context, bucket, key string) (UploadRef, error)
	// UploadPart stores one part and returns its ETag.
	UploadPart(ctx context.Context, req PartRequest) (string, error)
	Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error)
	Abort(ctx context.Context, ref UploadRef) error
}
