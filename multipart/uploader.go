// Package multipart drives a multipart upload of one local file: it plans the parts, stages
// each part in a temporary file, sends it through an API backend and either completes or
// aborts the upload.
package multipart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/blackav/aws-uploader/checksum"
	"github.com/blackav/aws-uploader/internal"
	"github.com/blackav/aws-uploader/segment"
	"github.com/blackav/aws-uploader/tempfile"
	"github.com/docker/go-units"
)

// Steps reported in UploadError.
const (
	StepValidate = "validate"
	StepBegin    = "begin"
	StepPart     = "upload part"
	StepManifest = "write manifest"
	StepComplete = "complete"
)

// UploadError describes a failed upload. If an upload had been started it was aborted; a
// failed abort is reported in AbortErr and leaves the session in FailedNoCleanup.
type UploadError struct {
	Step     string
	Part     int
	UploadID string
	State    State
	Err      error
	AbortErr error
}

func (e *UploadError) Error() string {
	msg := e.Step
	if e.Part > 0 {
		msg = fmt.Sprintf("%s %d", msg, e.Part)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Err)
	if e.AbortErr != nil {
		msg = fmt.Sprintf("%s (abort of upload %s failed: %s)", msg, e.UploadID, e.AbortErr)
	}
	return msg
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// UploadInput ...
type UploadInput struct {
	Path   string
	Bucket string
	// Key defaults to Path.
	Key string
}

// Result describes a finalized upload.
type Result struct {
	Session *Session
	Object  *CompleteResult
	Size    int64
}

// Uploader runs multipart uploads one part at a time.
type Uploader struct {
	api      API
	namer    *tempfile.Namer
	logger   log.Logger
	config   Config
	os       internal.OsProxy
	checksum func(f *os.File, beg, end int64) (string, error)
	progress *Progress
}

// NewUploader creates an Uploader that talks to the service through api.
func NewUploader(api API, namer *tempfile.Namer, logger log.Logger, config Config) *Uploader {
	return &Uploader{
		api:      api,
		namer:    namer,
		logger:   logger,
		config:   config,
		os:       internal.RealOS{},
		checksum: checksum.MD5Base64Range,
		progress: &Progress{},
	}
}

// Progress returns the counters of the parts uploaded so far.
func (u *Uploader) Progress() Transfer {
	return u.progress.Snapshot()
}

// Upload sends the file at in.Path to in.Bucket. Every failure after the upload has begun
// aborts it exactly once; parts are never retried. Staged parts and the manifest are removed
// whatever the outcome.
func (u *Uploader) Upload(ctx context.Context, in UploadInput) (*Result, error) {
	key := in.Key
	if key == "" {
		key = in.Path
	}

	size, err := u.validate(in)
	if err != nil {
		return nil, &UploadError{Step: StepValidate, Err: err}
	}

	f, err := u.os.Open(in.Path)
	if err != nil {
		return nil, &UploadError{Step: StepValidate, Err: err}
	}
	defer func() {
		if err := f.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", in.Path, err)
		}
	}()

	provider := NewFilePartProvider(f, size, u.config)
	dir := u.config.TempDir
	if dir == "" {
		dir = segment.Dirname(in.Path)
	}

	u.logger.Infof("Uploading %s (%s) to s3://%s/%s in %d part(s)", in.Path, units.BytesSize(float64(size)), in.Bucket, key, provider.NumParts())
	u.logger.Debugf("Temporary directory: %s", dir)

	sess := &Session{State: NotStarted}
	begun, err := u.api.Begin(ctx, in.Bucket, key)
	if err != nil {
		return nil, &UploadError{Step: StepBegin, State: sess.State, Err: err}
	}
	if begun.UploadID == "" {
		return nil, &UploadError{Step: StepBegin, State: sess.State, Err: errors.New("service returned an empty upload id")}
	}
	sess.Ref = UploadRef{Bucket: in.Bucket, Key: key, UploadID: begun.UploadID}
	if err := sess.transition(Began); err != nil {
		return nil, err
	}
	u.logger.Printf("Upload ID: %s", sess.Ref.UploadID)

	if err := sess.transition(UploadingParts); err != nil {
		return nil, err
	}
	for i := 0; i < provider.NumParts(); i++ {
		part, err := provider.Part(i)
		if err != nil {
			return nil, u.abort(ctx, sess, &UploadError{Step: StepPart, Err: err})
		}

		completed, err := u.uploadPart(ctx, sess.Ref, provider, part, dir)
		if err != nil {
			return nil, u.abort(ctx, sess, &UploadError{Step: StepPart, Part: part.Number, Err: err})
		}
		if err := sess.appendPart(completed); err != nil {
			return nil, u.abort(ctx, sess, &UploadError{Step: StepPart, Part: part.Number, Err: err})
		}
	}

	manifestPath, err := u.writeManifest(dir, sess.Parts)
	if err != nil {
		return nil, u.abort(ctx, sess, &UploadError{Step: StepManifest, Err: err})
	}

	obj, err := u.api.Complete(ctx, CompleteRequest{Upload: sess.Ref, ManifestPath: manifestPath, Parts: sess.Parts})
	u.removeFile(manifestPath)
	if err != nil {
		return nil, u.abort(ctx, sess, &UploadError{Step: StepComplete, Err: err})
	}
	if err := sess.transition(Finalized); err != nil {
		return nil, err
	}

	sent := u.progress.Snapshot()
	u.logger.Donef("Uploaded %s in %s (%s/s, slowest part %s), ETag: %s", key, sent.Elapsed.Round(time.Millisecond),
		units.BytesSize(sent.Throughput()), sent.Slowest.Round(time.Millisecond), obj.ETag)

	return &Result{Session: sess, Object: obj, Size: size}, nil
}

func (u *Uploader) validate(in UploadInput) (int64, error) {
	if err := u.config.Validate(); err != nil {
		return 0, err
	}
	if in.Bucket == "" {
		return 0, errors.New("bucket is not specified")
	}
	if in.Path == "" {
		return 0, errors.New("input file is not specified")
	}

	info, err := u.os.Stat(in.Path)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", in.Path)
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("%s is empty", in.Path)
	}
	return info.Size(), nil
}

func (u *Uploader) uploadPart(ctx context.Context, ref UploadRef, provider *FilePartProvider, part Part, dir string) (CompletedPart, error) {
	start := time.Now()

	seg, err := segment.Stage(u.namer, dir, provider.File(), part.Beg, part.End)
	if err != nil {
		return CompletedPart{}, fmt.Errorf("stage part: %w", err)
	}
	defer func() {
		if err := seg.Remove(); err != nil {
			u.logger.Warnf("Failed to remove staged part %s: %s", seg.Path, err)
		}
	}()
	u.logger.Debugf("Part %d staged at %s", part.Number, seg.Path)

	sum, err := u.checksum(provider.File(), part.Beg, part.End)
	if err != nil {
		return CompletedPart{}, err
	}

	etag, err := u.api.UploadPart(ctx, PartRequest{
		Upload:     ref,
		Number:     part.Number,
		BodyPath:   seg.Path,
		Source:     provider.File(),
		Beg:        part.Beg,
		End:        part.End,
		ContentMD5: sum,
	})
	if err != nil {
		return CompletedPart{}, err
	}

	took := time.Since(start)
	u.progress.Add(part.Size(), took)
	sent := u.progress.Snapshot()
	u.logger.Infof("Part %d/%d (%s) uploaded in %s, ETag: %s [%s sent, mean %s]", part.Number, provider.NumParts(),
		units.BytesSize(float64(part.Size())), took.Round(time.Millisecond), etag,
		units.BytesSize(float64(sent.Bytes)), sent.MeanPart().Round(time.Millisecond))

	return CompletedPart{Number: part.Number, ETag: etag, Checksum: sum}, nil
}

func (u *Uploader) writeManifest(dir string, parts []CompletedPart) (string, error) {
	b, err := MarshalManifest(parts)
	if err != nil {
		return "", err
	}

	f, err := u.namer.CreateUniqueFile(dir)
	if err != nil {
		return "", err
	}
	path := f.Name()

	_, err = f.Write(b)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		u.removeFile(path)
		return "", fmt.Errorf("write manifest %s: %w", path, err)
	}

	u.logger.Debugf("Part manifest written to %s", path)
	return path, nil
}

// abort cancels the upload once, even if ctx is already done, and records the outcome in uerr.
func (u *Uploader) abort(ctx context.Context, sess *Session, uerr *UploadError) error {
	uerr.UploadID = sess.Ref.UploadID
	u.logger.Warnf("Aborting upload %s: %s", sess.Ref.UploadID, uerr.Err)

	if err := u.api.Abort(context.WithoutCancel(ctx), sess.Ref); err != nil {
		u.logger.Errorf("Failed to abort upload %s: %s", sess.Ref.UploadID, err)
		uerr.AbortErr = err
		_ = sess.transition(FailedNoCleanup)
	} else {
		_ = sess.transition(Aborted)
	}

	uerr.State = sess.State
	return uerr
}

func (u *Uploader) removeFile(path string) {
	if err := u.os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		u.logger.Warnf("Failed to remove %s: %s", path, err)
	}
}
