package artifact

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// fakeS3 serves GetObject for path-style requests from an in-memory map.
func fakeS3(t *testing.T, objects map[string]string) *s3.Client {
	t.Helper()
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		key := strings.TrimPrefix(req.URL.Path, "/")
		body, ok := objects[key]
		if req.Method != http.MethodGet || !ok {
			return &http.Response{
				StatusCode: http.StatusNotFound,
				Body:       io.NopCloser(strings.NewReader(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)),
				Header:     http.Header{"Content-Type": {"application/xml"}},
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(body)),
			Header:     http.Header{"Content-Type": {"application/json"}},
		}, nil
	})
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
		o.RetryMaxAttempts = 1
	})
}

func TestLoad_LocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scaler.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"data_min_":[]}`), 0o600))

	l := NewLoader(S3Config{})
	for _, loc := range []string{path, "file://" + path, "  " + path + "  "} {
		data, err := l.Load(context.Background(), loc)
		require.NoError(t, err, loc)
		assert.Equal(t, `{"data_min_":[]}`, string(data))
	}
}

func TestLoad_Errors(t *testing.T) {
	l := NewLoader(S3Config{})
	tests := []struct {
		loc    string
		errMsg string
	}{
		{"", "empty artifact location"},
		{"/does/not/exist.json", "open artifact"},
		{"ftp://host/x", "unsupported artifact scheme"},
		{"s3://bucket-only", "needs bucket and key"},
	}
	for _, tt := range tests {
		_, err := l.Load(context.Background(), tt.loc)
		require.Error(t, err, tt.loc)
		assert.Contains(t, err.Error(), tt.errMsg)
	}
}

func TestLoad_S3(t *testing.T) {
	client := fakeS3(t, map[string]string{"models/tbm/scaler.yaml": "data_min_: [0]\n"})
	l := NewLoaderWithGetter(client)

	data, err := l.Load(context.Background(), "s3://models/tbm/scaler.yaml")
	require.NoError(t, err)
	assert.Equal(t, "data_min_: [0]\n", string(data))

	_, err = l.Load(context.Background(), "s3://models/tbm/missing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get s3://models/tbm/missing.yaml")
}

func TestReadAllLimited(t *testing.T) {
	_, err := readAllLimited(strings.NewReader(strings.Repeat("x", maxArtifactBytes+1)), "big")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}
