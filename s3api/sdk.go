package s3api

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/blackav/aws-uploader/multipart"
)

// S3Client is the part of *s3.Client the SDK backend uses.
type S3Client interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// SDKParams ...
type SDKParams struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the service endpoint, for S3 compatible stores.
	Endpoint     string
	UsePathStyle bool
}

// SDK talks to S3 directly through aws-sdk-go-v2.
type SDK struct {
	client S3Client
	logger log.Logger
}

var _ multipart.API = (*SDK)(nil)

// NewSDK ...
func NewSDK(client S3Client, logger log.Logger) *SDK {
	return &SDK{client: client, logger: logger}
}

// NewSDKFromParams loads the AWS configuration and creates an S3 client from it.
func NewSDKFromParams(ctx context.Context, params SDKParams, logger log.Logger) (*SDK, error) {
	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})
	return NewSDK(client, logger), nil
}

// Begin ...
func (s *SDK) Begin(ctx context.Context, bucket, key string) (multipart.UploadRef, error) {
	const op = "create-multipart-upload"

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return multipart.UploadRef{}, requestFailure(op, err)
	}
	if out.UploadId == nil {
		return multipart.UploadRef{}, missingFieldFailure(op, "UploadId")
	}

	return multipart.UploadRef{
		Bucket:   aws.ToString(out.Bucket),
		Key:      aws.ToString(out.Key),
		UploadID: aws.ToString(out.UploadId),
	}, nil
}

// UploadPart sends the staged part file.
func (s *SDK) UploadPart(ctx context.Context, req multipart.PartRequest) (string, error) {
	const op = "upload-part"

	body, err := os.Open(req.BodyPath)
	if err != nil {
		return "", &Failure{Op: op, Message: MsgRequestFailed, Details: err.Error(), Err: err}
	}
	defer body.Close() //nolint:errcheck

	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(req.Upload.Bucket),
		Key:           aws.String(req.Upload.Key),
		UploadId:      aws.String(req.Upload.UploadID),
		PartNumber:    aws.Int32(int32(req.Number)),
		ContentLength: aws.Int64(req.Size()),
		ContentMD5:    aws.String(req.ContentMD5),
		Body:          body,
	})
	if err != nil {
		return "", requestFailure(op, err)
	}
	if out.ETag == nil {
		return "", missingFieldFailure(op, "ETag")
	}
	return *out.ETag, nil
}

// Complete assembles the parts listed in the manifest file, or req.Parts when there is none.
func (s *SDK) Complete(ctx context.Context, req multipart.CompleteRequest) (*multipart.CompleteResult, error) {
	const op = "complete-multipart-upload"

	parts := req.Parts
	if req.ManifestPath != "" {
		var err error
		if parts, err = multipart.ReadManifest(req.ManifestPath); err != nil {
			return nil, &Failure{Op: op, Message: MsgParseFailed, Details: err.Error(), Err: err}
		}
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.Number)),
		})
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(req.Upload.Bucket),
		Key:             aws.String(req.Upload.Key),
		UploadId:        aws.String(req.Upload.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, requestFailure(op, err)
	}
	if out.ETag == nil {
		return nil, missingFieldFailure(op, "ETag")
	}

	return &multipart.CompleteResult{
		Bucket:   aws.ToString(out.Bucket),
		Key:      aws.ToString(out.Key),
		Location: aws.ToString(out.Location),
		ETag:     aws.ToString(out.ETag),
	}, nil
}

// Abort ... An upload the service no longer knows about counts as aborted.
func (s *SDK) Abort(ctx context.Context, ref multipart.UploadRef) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(ref.Bucket),
		Key:      aws.String(ref.Key),
		UploadId: aws.String(ref.UploadID),
	})
	if err != nil {
		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &noSuchUpload) {
			s.logger.Debugf("Upload %s is already gone", ref.UploadID)
			return nil
		}
		return requestFailure("abort-multipart-upload", err)
	}
	return nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("Using static aws credentials")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("aws credentials not defined, loading credentials from environment...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
