package provider

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/szaher/checkin/internal/stage"
)

// S3Config configures the S3 fixtures provider.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint, for MinIO and LocalStack.
	Endpoint string `yaml:"endpoint"`
}

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 reads records stored as s3://bucket/prefix/<stage>/<subject>.json. A
// missing object is an empty record set.
type S3 struct {
	client objectGetter
	bucket string
	prefix string
}

// NewS3 creates a provider using the default AWS credential chain.
func NewS3(cfg S3Config) (*S3, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 provider: missing bucket")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 provider: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3(client objectGetter, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key holding a subject's records for a stage.
func (p *S3) Key(subject string, st stage.Name) string {
	return path.Join(p.prefix, string(st), subject+".json")
}

// Preload implements intake.DataProvider.
func (p *S3) Preload(ctx context.Context, subject string, st stage.Name, _ map[string]any) (any, error) {
	if strings.ContainsAny(subject, "/\\") || subject == "" || subject == "." || subject == ".." {
		return nil, fmt.Errorf("s3 provider: invalid subject account")
	}
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.Key(subject, st)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("s3 provider: get %s: %w", st, err)
	}
	defer func() { _ = out.Body.Close() }()

	body, truncated, err := ReadBody(out.Body, defaultMaxResponseSize)
	if err != nil {
		return nil, fmt.Errorf("s3 provider: read %s: %w", st, err)
	}
	if truncated {
		return nil, fmt.Errorf("s3 provider: object for stage %s exceeds %d bytes", st, defaultMaxResponseSize)
	}
	return decode(body)
}
