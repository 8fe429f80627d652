package s3api

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/blackav/aws-uploader/multipart"
	"github.com/blackav/aws-uploader/subprocess"
)

// DefaultCommand is the aws command line tool.
const DefaultCommand = "aws"

// Runner runs one child process.
type Runner interface {
	Run(ctx context.Context, inv subprocess.Invocation) (*subprocess.Result, error)
}

// CLI calls `aws s3api` subcommands and parses their JSON output.
type CLI struct {
	runner  Runner
	command string
	logger  log.Logger
}

var _ multipart.API = (*CLI)(nil)

// NewCLI ... An empty command means DefaultCommand.
func NewCLI(runner Runner, command string, logger log.Logger) *CLI {
	if command == "" {
		command = DefaultCommand
	}
	return &CLI{runner: runner, command: command, logger: logger}
}

// Begin runs create-multipart-upload.
func (c *CLI) Begin(ctx context.Context, bucket, key string) (multipart.UploadRef, error) {
	const op = "create-multipart-upload"

	res, err := c.run(ctx, op, []string{"--bucket", bucket, "--key", key}, nil)
	if err != nil {
		return multipart.UploadRef{}, err
	}

	fields, err := parseStringFields(op, res.Stdout, "Bucket", "Key", "UploadId")
	if err != nil {
		return multipart.UploadRef{}, err
	}
	return multipart.UploadRef{Bucket: fields["Bucket"], Key: fields["Key"], UploadID: fields["UploadId"]}, nil
}

// UploadPart runs upload-part with the staged file as the body. The same range of the source
// file is also streamed to the tool's stdin.
func (c *CLI) UploadPart(ctx context.Context, req multipart.PartRequest) (string, error) {
	const op = "upload-part"

	args := []string{
		"--bucket", req.Upload.Bucket,
		"--key", req.Upload.Key,
		"--upload-id", req.Upload.UploadID,
		"--part-number", strconv.Itoa(req.Number),
		"--content-length", strconv.FormatInt(req.Size(), 10),
		"--content-md5", req.ContentMD5,
		"--body", req.BodyPath,
	}
	var input subprocess.Input
	if req.Source != nil {
		input = subprocess.FileRangeInput{File: req.Source, Beg: req.Beg, End: req.End}
	}

	res, err := c.run(ctx, op, args, input)
	if err != nil {
		return "", err
	}

	fields, err := parseStringFields(op, res.Stdout, "ETag")
	if err != nil {
		return "", err
	}
	return fields["ETag"], nil
}

// Complete runs complete-multipart-upload with the manifest file as the part list.
func (c *CLI) Complete(ctx context.Context, req multipart.CompleteRequest) (*multipart.CompleteResult, error) {
	const op = "complete-multipart-upload"

	args := []string{
		"--bucket", req.Upload.Bucket,
		"--key", req.Upload.Key,
		"--upload-id", req.Upload.UploadID,
		"--multipart-upload", "file://" + req.ManifestPath,
	}

	res, err := c.run(ctx, op, args, nil)
	if err != nil {
		return nil, err
	}

	fields, err := parseStringFields(op, res.Stdout, "Bucket", "Key", "Location", "ETag")
	if err != nil {
		return nil, err
	}
	return &multipart.CompleteResult{
		Bucket:   fields["Bucket"],
		Key:      fields["Key"],
		Location: fields["Location"],
		ETag:     fields["ETag"],
	}, nil
}

// Abort runs abort-multipart-upload. Its output is not inspected.
func (c *CLI) Abort(ctx context.Context, ref multipart.UploadRef) error {
	_, err := c.run(ctx, "abort-multipart-upload", []string{
		"--bucket", ref.Bucket,
		"--key", ref.Key,
		"--upload-id", ref.UploadID,
	}, nil)
	return err
}

func (c *CLI) run(ctx context.Context, op string, args []string, input subprocess.Input) (*subprocess.Result, error) {
	inv := subprocess.Invocation{
		Command: c.command,
		Args:    append([]string{"s3api", op}, args...),
		Input:   input,
	}
	c.logger.Debugf("$ %s", inv.PrintableCommandArgs())

	res, err := c.runner.Run(ctx, inv)
	if err != nil {
		f := &Failure{Op: op, Message: MsgExecFailed, Details: err.Error(), Err: err}
		if res != nil {
			f.Usage = &res.Usage
		}
		return nil, f
	}

	if !res.Successful() {
		c.logger.Debugf("%s: %s%s", op, res.Status, res.Usage)
		return nil, &Failure{
			Op:      op,
			Message: MsgExecFailed,
			Details: string(res.Stderr),
			Usage:   &res.Usage,
			Err:     res.ExitError(),
		}
	}

	c.logger.Debugf("output: <%s>", bytes.TrimSpace(res.Stdout))
	if len(res.Stderr) > 0 {
		c.logger.Debugf("error: <%s>", bytes.TrimSpace(res.Stderr))
	}
	return res, nil
}

// parseStringFields decodes a JSON object and returns the named members, each of which must
// be present and a string.
func parseStringFields(op string, data []byte, names ...string) (map[string]string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &Failure{Op: op, Message: MsgParseFailed, Details: err.Error(), Err: err}
	}

	fields := make(map[string]string, len(names))
	for _, name := range names {
		raw, ok := doc[name]
		if !ok || len(raw) == 0 || raw[0] != '"' {
			return nil, missingFieldFailure(op, name)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, missingFieldFailure(op, name)
		}
		fields[name] = s
	}
	return fields, nil
}
