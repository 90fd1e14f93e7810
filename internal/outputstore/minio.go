package outputstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("minio endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("minio endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("minio access key and secret key are required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("minio bucket is required")
	}
	return nil
}

// Minio stores outputs as JSON objects under <prefix>/<job uuid>.json.
type Minio struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check output bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("create output bucket %q: %w", cfg.Bucket, err)
		}
	}
	return &Minio{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (m *Minio) objectKey(job uuid.UUID) string {
	return path.Join(strings.Trim(m.prefix, "/"), job.String()+".json")
}

func (m *Minio) Put(ctx context.Context, job uuid.UUID, out jobs.JobOutput) error {
	body, err := jobs.MarshalOutput(out)
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(ctx, m.bucket, m.objectKey(job), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload output for job %s: %w", job, err)
	}
	return nil
}

func (m *Minio) Get(ctx context.Context, job uuid.UUID) (jobs.JobOutput, bool, error) {
	key := m.objectKey(job)
	if _, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return jobs.JobOutput{}, false, nil
		}
		return jobs.JobOutput{}, false, fmt.Errorf("stat output for job %s: %w", job, err)
	}
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return jobs.JobOutput{}, false, fmt.Errorf("download output for job %s: %w", job, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		return jobs.JobOutput{}, false, fmt.Errorf("read output for job %s: %w", job, err)
	}
	out, err := jobs.UnmarshalOutput(body)
	if err != nil {
		return jobs.JobOutput{}, false, fmt.Errorf("decode output for job %s: %w", job, err)
	}
	return out, true, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
