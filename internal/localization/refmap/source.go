package refmap

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
)

// Source yields a reference cloud.
type Source interface {
	Name() string
	Load(ctx context.Context) (*cloud.PointCloud, error)
}

// Sink stores a reference cloud.
type Sink interface {
	Name() string
	Save(ctx context.Context, c *cloud.PointCloud, typ cloud.PCDType) error
}

// Location is a map store that can be both read and written.
type Location interface {
	Source
	Sink
}

// FileSource reads and writes a PCD file.
type FileSource struct {
	Path string
}

func (f FileSource) Name() string { return "file://" + f.Path }

func (f FileSource) Load(ctx context.Context) (*cloud.PointCloud, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return cloud.ReadPCDFile(f.Path)
}

func (f FileSource) Save(ctx context.Context, c *cloud.PointCloud, typ cloud.PCDType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return cloud.WritePCDFile(c, f.Path, typ)
}

// CloudSource serves an in-memory cloud, such as one received as a message.
type CloudSource struct {
	Label string
	Cloud *cloud.PointCloud
}

func (c CloudSource) Name() string {
	if c.Label == "" {
		return "memory"
	}
	return c.Label
}

func (c CloudSource) Load(context.Context) (*cloud.PointCloud, error) {
	if c.Cloud == nil {
		return nil, ErrNoReference
	}
	return c.Cloud.Clone(), nil
}

// ObjectAPI is the subset of the S3 client the map needs.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Source reads a PCD object from an S3-compatible store.
type S3Source struct {
	Client ObjectAPI
	Bucket string
	Key    string
}

// S3Options configures NewS3Client.
type S3Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3OptionsFromConfig resolves S3Options from the map section of cfg.
func S3OptionsFromConfig(cfg *config.Config) S3Options {
	return S3Options{Region: cfg.GetS3Region(), Endpoint: cfg.GetS3Endpoint(), PathStyle: cfg.GetS3PathStyle()}
}

// NewS3Client builds a client from the default credential chain.
func NewS3Client(ctx context.Context, o S3Options) (*s3.Client, error) {
	region := o.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.PathStyle {
			so.UsePathStyle = true
		}
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
		}
	}), nil
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 uri has no key: %q", uri)
	}
	return u.Host, key, nil
}

func (s S3Source) Name() string { return "s3://" + s.Bucket + "/" + s.Key }

func (s S3Source) Load(ctx context.Context) (*cloud.PointCloud, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.Bucket, Key: &s.Key})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return cloud.ReadPCD(out.Body)
}

// Save uploads c as a PCD object.
func (s S3Source) Save(ctx context.Context, c *cloud.PointCloud, typ cloud.PCDType) error {
	var buf bytes.Buffer
	if err := cloud.WritePCD(c, &buf, typ); err != nil {
		return err
	}
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.Bucket,
		Key:           &s.Key,
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String("application/octet-stream"),
	})
	return err
}

// OpenLocation resolves a map location: s3:// URIs go through an S3 client
// built from opts, anything else is a PCD path.
func OpenLocation(ctx context.Context, location string, opts S3Options) (Location, error) {
	if strings.HasPrefix(location, "s3://") {
		bucket, key, err := ParseS3URI(location)
		if err != nil {
			return nil, err
		}
		client, err := NewS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		return S3Source{Client: client, Bucket: bucket, Key: key}, nil
	}
	return FileSource{Path: filepath.Clean(location)}, nil
}

// SaveSnapshot writes the current map to dst.
func (m *Manager) SaveSnapshot(ctx context.Context, dst Sink, binary bool) error {
	s := m.Current()
	if s == nil {
		return ErrNoReference
	}
	typ := cloud.PCDAscii
	if binary {
		typ = cloud.PCDBinary
	}
	if err := dst.Save(ctx, s.Cloud, typ); err != nil {
		return fmt.Errorf("save reference map to %s: %w", dst.Name(), err)
	}
	logger.Diagw("reference map saved", "location", dst.Name(), "points", s.Len(), "version", s.Version)
	return nil
}
