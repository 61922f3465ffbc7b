package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"git.home.luguber.info/inful/docfleet/internal/config"
)

const deleteBatch = 1000

// objectAPI is the subset of the S3 client the mirror uses.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Mirror copies published trees to <bucket>/<prefix>/<ref>/.
type S3Mirror struct {
	client objectAPI
	bucket string
	prefix string
}

// NewS3Mirror builds a mirror using the default AWS credential chain.
func NewS3Mirror(ctx context.Context, cfg config.S3Config) (*S3Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Mirror(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Mirror(client objectAPI, bucket, prefix string) *S3Mirror {
	return &S3Mirror{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (m *S3Mirror) keyPrefix(ref Ref) string {
	if m.prefix == "" {
		return ref.String() + "/"
	}
	return m.prefix + "/" + ref.String() + "/"
}

// Upload puts every file of dir under the reference's prefix and then deletes
// objects left over from an earlier tree.
func (m *S3Mirror) Upload(ctx context.Context, ref Ref, dir string) error {
	base := m.keyPrefix(ref)
	uploaded := map[string]bool{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := base + filepath.ToSlash(rel)
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		input := &s3.PutObjectInput{Bucket: aws.String(m.bucket), Key: aws.String(key), Body: f}
		if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
			input.ContentType = aws.String(ct)
		}
		if _, err := m.client.PutObject(ctx, input); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		uploaded[key] = true
		return nil
	})
	if err != nil {
		return err
	}
	return m.deleteWhere(ctx, base, func(key string) bool { return !uploaded[key] })
}

// Remove deletes every object under the reference's prefix.
func (m *S3Mirror) Remove(ctx context.Context, ref Ref) error {
	return m.deleteWhere(ctx, m.keyPrefix(ref), func(string) bool { return true })
}

func (m *S3Mirror) deleteWhere(ctx context.Context, prefix string, match func(string) bool) error {
	var (
		batch []s3types.ObjectIdentifier
		token *string
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := m.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(m.bucket),
			Delete: &s3types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		batch = batch[:0]
		return err
	}
	for {
		out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(m.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !match(key) {
				continue
			}
			batch = append(batch, s3types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == deleteBatch {
				if err := flush(); err != nil {
					return fmt.Errorf("delete under %s: %w", prefix, err)
				}
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	if err := flush(); err != nil {
		return fmt.Errorf("delete under %s: %w", prefix, err)
	}
	return nil
}
