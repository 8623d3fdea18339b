package blob

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"

	"etdflow/internal/config"
)

// Open builds the store selected by cfg. Relative local roots resolve
// against workspace.
func Open(ctx context.Context, cfg config.BlobConfig, workspace string) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		root := cfg.Local.Root
		if root == "" {
			root = "blobs"
		}
		if !filepath.IsAbs(root) {
			root = filepath.Join(workspace, ".etd", root)
		}
		return NewFS(afero.NewOsFs(), root), nil
	case "s3":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.S3.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.S3.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			// Path-style addressing for S3-compatible endpoints such as LocalStack or MinIO.
			if cfg.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
				o.UsePathStyle = true
			}
		})
		return NewS3(client, cfg.S3.Bucket, cfg.S3.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}
