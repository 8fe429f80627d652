package multipart

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// mockAPI ...
type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) Begin(_ context.Context, bucket, key string) (UploadRef, error) {
	args := m.Called(bucket, key)
	return args.Get(0).(UploadRef), args.Error(1)
}

func (m *mockAPI) UploadPart(_ context.Context, req PartRequest) (string, error) {
	args := m.Called(req)

	var etag string
	if rf, ok := args.Get(0).(func(PartRequest) string); ok {
		etag = rf(req)
	} else {
		etag = args.String(0)
	}

	var err error
	if rf, ok := args.Get(1).(func(PartRequest) error); ok {
		err = rf(req)
	} else {
		err = args.Error(1)
	}

	return etag, err
}

func (m *mockAPI) Complete(_ context.Context, req CompleteRequest) (*CompleteResult, error) {
	args := m.Called(req)
	res, _ := args.Get(0).(*CompleteResult)
	return res, args.Error(1)
}

func (m *mockAPI) Abort(ctx context.Context, ref UploadRef) error {
	args := m.Called(ref)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return args.Error(0)
}

func (m *mockAPI) GivenBeginSucceeds(uploadID string) *mockAPI {
	m.On("Begin", mock.Anything, mock.Anything).Return(UploadRef{UploadID: uploadID}, nil)
	return m
}

func (m *mockAPI) GivenCompleteSucceeds() *mockAPI {
	m.On("Complete", mock.Anything).Return(&CompleteResult{Bucket: "bucket", Key: "key", Location: "https://bucket/key", ETag: "\"final\""}, nil)
	return m
}

func (m *mockAPI) GivenAbortSucceeds() *mockAPI {
	m.On("Abort", mock.Anything).Return(nil)
	return m
}
