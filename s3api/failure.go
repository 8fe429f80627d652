// Package s3api implements the multipart upload service calls, either by running the aws
// command line tool or through the AWS SDK.
package s3api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/blackav/aws-uploader/subprocess"
)

// Messages used in Failure.
const (
	MsgExecFailed    = "aws s3 execution failed"
	MsgParseFailed   = "json parse failed"
	MsgRequestFailed = "aws s3 request failed"
)

// Failure is a failed service call: a short Message and the extended diagnostic in Details
// (the tool's stderr, the parse error or the service error).
type Failure struct {
	Op      string
	Message string
	Details string
	// Usage is the resource usage of the failed tool run, if one ran.
	Usage *subprocess.Usage
	Err   error
}

func (f *Failure) Error() string {
	msg := f.Message
	if f.Op != "" {
		msg = fmt.Sprintf("%s: %s", f.Op, msg)
	}
	if details := strings.TrimSpace(f.Details); details != "" {
		msg = fmt.Sprintf("%s: %s", msg, details)
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func missingFieldFailure(op, field string) *Failure {
	return &Failure{
		Op:      op,
		Message: MsgParseFailed,
		Details: fmt.Sprintf("'%s' field is missing or not String", field),
	}
}

// requestFailure turns an SDK error into a Failure, keeping the service error code and message.
func requestFailure(op string, err error) *Failure {
	f := &Failure{Op: op, Message: MsgRequestFailed, Details: err.Error(), Err: err}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		f.Details = fmt.Sprintf("%s: %s", apiError.ErrorCode(), apiError.ErrorMessage())
	}
	return f
}
