// Package artifact fetches model artifact directories from S3-compatible
// object storage into a local cache, where model.Load can read them.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/logging"
	"github.com/dd0wney/gnn-halo/pkg/model"
	"github.com/dd0wney/gnn-halo/pkg/validation"
)

// Source locates an artifact: every object under Bucket/Prefix.
type Source struct {
	Bucket string `yaml:"bucket" validate:"required"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint, e.g. for MinIO; path-style
	// addressing is used when it is set.
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	CacheDir        string `yaml:"cache_dir" validate:"required"`
}

// Validate checks the source's struct tags.
func (s *Source) Validate() error {
	if err := validation.Struct(s); err != nil {
		return err
	}
	v := validation.NewConfigValidator("Source")
	v.When(s.AccessKeyID != "" || s.SecretAccessKey != "", func(v *validation.ConfigValidator) {
		v.Required("AccessKeyID", s.AccessKeyID).Required("SecretAccessKey", s.SecretAccessKey)
	})
	return v.Validate()
}

// Client is the part of the S3 API the fetcher uses.
type Client interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewClient builds an S3 client from the default credential chain, or
// from the source's static keys when given.
func NewClient(ctx context.Context, src Source) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if src.Region != "" {
		opts = append(opts, config.WithRegion(src.Region))
	}
	if src.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(src.AccessKeyID, src.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if src.Endpoint != "" {
			o.BaseEndpoint = aws.String(src.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Fetcher downloads artifacts, skipping files already in the cache with
// the right size.
type Fetcher struct {
	client Client
	logger logging.Logger
}

// NewFetcher creates a fetcher over client.
func NewFetcher(client Client, logger logging.Logger) *Fetcher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Fetcher{client: client, logger: logger.With(logging.Component("artifact"))}
}

// Stats reports what a Fetch did.
type Stats struct {
	Downloaded int
	Cached     int
	Bytes      int64
}

// Fetch mirrors the artifact into the cache and returns its local
// directory. model.yaml is downloaded on every call, then the layer files it
// names; a cached layer file is reused only while its size and ETag match
// the object's. The hash is checked by model.Load, not here.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (string, Stats, error) {
	const op = "fetch model artifact"
	var st Stats

	if err := src.Validate(); err != nil {
		return "", st, fault.New(fault.KindConfiguration, op).Cause(err).Err()
	}
	prefix := strings.TrimSuffix(src.Prefix, "/")
	objects, err := f.list(ctx, src.Bucket, prefix)
	if err != nil {
		return "", st, fault.New(fault.KindConfiguration, op).Cause(err).Err()
	}

	dir := filepath.Join(src.CacheDir, src.Bucket, filepath.FromSlash(prefix))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", st, fmt.Errorf("failed to create cache directory: %w", err)
	}

	names := []string{model.MetadataFile}
	for i := 0; i < len(names); i++ {
		name := names[i]
		obj, ok := objects[name]
		if !ok {
			return "", st, fault.New(fault.KindConfiguration, op).
				Causef("s3://%s/%s has no %s", src.Bucket, prefix, name).Err()
		}
		local := filepath.Join(dir, name)
		// model.yaml is always fetched; it names the hash the layer files
		// must match
		if name != model.MetadataFile && cached(local, obj) {
			st.Cached++
		} else {
			n, err := f.download(ctx, src.Bucket, objectKey(prefix, name), local)
			if err != nil {
				return "", st, err
			}
			st.Downloaded++
			st.Bytes += n
		}

		if name == model.MetadataFile {
			md, err := model.ReadMetadata(local)
			if err != nil {
				return "", st, err
			}
			for _, l := range md.Layers {
				if l.File != path.Base(l.File) {
					return "", st, fault.New(fault.KindConfiguration, op).
						Causef("layer file %q must not contain a path", l.File).Err()
				}
				names = append(names, l.File)
			}
		}
	}

	f.logger.Info("model artifact ready",
		logging.String("bucket", src.Bucket), logging.String("prefix", prefix), logging.Path(dir),
		logging.Int("downloaded", st.Downloaded), logging.Int("cached", st.Cached), logging.Int64("bytes", st.Bytes))
	return dir, st, nil
}

func objectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// object is what a listing reports about one object.
type object struct {
	Size int64
	ETag string
}

// list returns every object directly under prefix, by base name.
func (f *Fetcher) list(ctx context.Context, bucket, prefix string) (map[string]object, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		in.Prefix = aws.String(prefix + "/")
	}
	objects := make(map[string]object)
	p := s3.NewListObjectsV2Paginator(f.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), aws.ToString(in.Prefix))
			if rel == "" || strings.Contains(rel, "/") {
				continue
			}
			objects[rel] = object{Size: aws.ToInt64(obj.Size), ETag: aws.ToString(obj.ETag)}
		}
	}
	return objects, nil
}

// etagPath is the sidecar holding the ETag a cached file was downloaded at.
func etagPath(local string) string {
	return filepath.Join(filepath.Dir(local), "."+filepath.Base(local)+".etag")
}

// cached reports whether local holds the current version of obj. Objects
// listed without an ETag are never reused.
func cached(local string, obj object) bool {
	if obj.ETag == "" {
		return false
	}
	fi, err := os.Stat(local)
	if err != nil || fi.Size() != obj.Size {
		return false
	}
	tag, err := os.ReadFile(etagPath(local))
	return err == nil && string(tag) == obj.ETag
}

// download writes one object to local through a temporary file.
func (f *Fetcher) download(ctx context.Context, bucket, key, local string) (int64, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return 0, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(local), ".fetch-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, out.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	// the sidecar only ever describes the bytes beside it
	if err := os.Remove(etagPath(local)); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to clear cached tag for %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return 0, fmt.Errorf("failed to move %s into the cache: %w", key, err)
	}
	if tag := aws.ToString(out.ETag); tag != "" {
		if err := os.WriteFile(etagPath(local), []byte(tag), 0o644); err != nil {
			return 0, fmt.Errorf("failed to record tag for %s: %w", key, err)
		}
	}
	f.logger.Debug("object downloaded", logging.String("key", key), logging.Int64("bytes", n))
	return n, nil
}
