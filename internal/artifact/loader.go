package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxArtifactBytes caps what a single artifact may weigh.
const maxArtifactBytes = 16 << 20

// S3Config selects the S3-compatible backend used for s3:// locations.
type S3Config struct {
	Region    string
	Endpoint  string // optional, e.g. MinIO
	PathStyle bool
}

// ObjectGetter is the slice of the S3 API the loader needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader reads model-side artifacts (scaler parameters, catalog overrides)
// from a local path, a file:// URL or an s3://bucket/key URL.
type Loader struct {
	s3cfg  S3Config
	getter ObjectGetter
}

func NewLoader(cfg S3Config) *Loader {
	return &Loader{s3cfg: cfg}
}

// NewLoaderWithGetter uses a preconfigured S3 client.
func NewLoaderWithGetter(getter ObjectGetter) *Loader {
	return &Loader{getter: getter}
}

// Load returns the artifact bytes at location.
func (l *Loader) Load(ctx context.Context, location string) ([]byte, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.New("empty artifact location")
	}
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// A bare path, including Windows drive letters.
		return readFile(location)
	}
	switch u.Scheme {
	case "file":
		path := u.Path
		if u.Host != "" && u.Host != "localhost" {
			path = u.Host + u.Path
		}
		return readFile(path)
	case "s3":
		return l.loadS3(ctx, u)
	default:
		return nil, fmt.Errorf("unsupported artifact scheme %q", u.Scheme)
	}
}

func (l *Loader) loadS3(ctx context.Context, u *url.URL) ([]byte, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 location %q needs bucket and key", u.String())
	}
	getter, err := l.client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := getter.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	return readAllLimited(out.Body, "s3://"+bucket+"/"+key)
}

func (l *Loader) client(ctx context.Context) (ObjectGetter, error) {
	if l.getter != nil {
		return l.getter, nil
	}
	region := l.s3cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	l.getter = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = l.s3cfg.PathStyle
		if l.s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(l.s3cfg.Endpoint)
		}
	})
	return l.getter, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	return readAllLimited(f, path)
}

func readAllLimited(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxArtifactBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}
	if len(data) > maxArtifactBytes {
		return nil, fmt.Errorf("artifact %s exceeds %d bytes", name, maxArtifactBytes)
	}
	return data, nil
}
