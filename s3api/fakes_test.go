package s3api

import (
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/blackav/aws-uploader/subprocess"
)

type fakeRunner struct {
	invocations []subprocess.Invocation
	result      *subprocess.Result
	err         error
}

func (r *fakeRunner) Run(_ context.Context, inv subprocess.Invocation) (*subprocess.Result, error) {
	r.invocations = append(r.invocations, inv)
	return r.result, r.err
}

func succeeded(stdout string) *subprocess.Result {
	return &subprocess.Result{Stdout: []byte(stdout), Status: subprocess.ExitStatus{Exited: true}}
}

type fakeCommandFactory struct {
	name   string
	args   []string
	output string
	err    error
}

func (f *fakeCommandFactory) Create(name string, args []string, _ *command.Opts) command.Command {
	f.name = name
	f.args = args
	return fakeCommand{output: f.output, err: f.err}
}

type fakeCommand struct {
	output string
	err    error
}

func (c fakeCommand) PrintableCommandArgs() string                       { return "which" }
func (c fakeCommand) Run() error                                         { return c.err }
func (c fakeCommand) RunAndReturnExitCode() (int, error)                 { return 0, c.err }
func (c fakeCommand) RunAndReturnTrimmedOutput() (string, error)         { return c.output, c.err }
func (c fakeCommand) RunAndReturnTrimmedCombinedOutput() (string, error) { return c.output, c.err }
func (c fakeCommand) Start() error                                       { return c.err }
func (c fakeCommand) Wait() error                                        { return c.err }

type fakeS3Client struct {
	createInput   *s3.CreateMultipartUploadInput
	createOutput  *s3.CreateMultipartUploadOutput
	uploadInput   *s3.UploadPartInput
	uploadBody    []byte
	uploadOutput  *s3.UploadPartOutput
	completeInput *s3.CompleteMultipartUploadInput
	completeOut   *s3.CompleteMultipartUploadOutput
	abortInput    *s3.AbortMultipartUploadInput
	err           error
}

func (c *fakeS3Client) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	c.createInput = params
	return c.createOutput, c.err
}

func (c *fakeS3Client) UploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	c.uploadInput = params
	if params.Body == nil {
		return nil, errors.New("no body")
	}
	b, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	c.uploadBody = b
	return c.uploadOutput, c.err
}

func (c *fakeS3Client) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	c.completeInput = params
	return c.completeOut, c.err
}

func (c *fakeS3Client) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	c.abortInput = params
	return &s3.AbortMultipartUploadOutput{}, c.err
}
