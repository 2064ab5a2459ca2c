package fieldsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AttachmentUploader drains image blobs queued in the local store to an
// S3-compatible object store. Uploads happen only while online; a blob
// is removed from the queue only after a confirmed put, so an upload
// interrupted by connectivity loss is retried on the next pass.
type AttachmentUploader struct {
	client  *s3.Client
	config  UploadConfig
	local   LocalStore
	monitor *ConnectivityMonitor
	metrics *engineMetrics
	retryer *Retryer

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAttachmentUploader creates an uploader for the given bucket.
func NewAttachmentUploader(cfg UploadConfig, local LocalStore, monitor *ConnectivityMonitor, metrics *engineMetrics) (*AttachmentUploader, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AttachmentUploader{
		client:  s3.NewFromConfig(awsCfg, s3Opts...),
		config:  cfg,
		local:   local,
		monitor: monitor,
		metrics: metrics,
		retryer: NewRetryer(DefaultRetryConfig()),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the background upload loop and subscribes to
// connectivity transitions so a reconnect triggers an immediate pass.
func (u *AttachmentUploader) Start(interval time.Duration) {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return
	}
	u.running = true
	u.mu.Unlock()

	u.monitor.OnChange(func(online bool) {
		if online {
			if _, err := u.Flush(u.ctx); err != nil {
				slog.Warn("post-reconnect attachment flush failed", "err", err)
			}
		}
	})

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-u.ctx.Done():
				return
			case <-ticker.C:
				if !u.monitor.IsOnline() {
					continue
				}
				if _, err := u.Flush(u.ctx); err != nil {
					slog.Warn("attachment flush failed", "err", err)
				}
			}
		}
	}()
}

// Stop shuts down the upload loop.
func (u *AttachmentUploader) Stop() {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		u.cancel()
		return
	}
	u.running = false
	u.mu.Unlock()

	u.cancel()
	u.wg.Wait()
}

// Flush uploads every pending image, stopping at the first failure so
// the remainder is retried later. Returns the number uploaded.
func (u *AttachmentUploader) Flush(ctx context.Context) (int, error) {
	if !u.monitor.IsOnline() {
		return 0, nil
	}
	keys, err := u.local.PendingImageKeys(ctx)
	if err != nil {
		return 0, newPersistenceError("list pending images", "", err)
	}

	uploaded := 0
	for _, key := range keys {
		blob, err := u.local.GetPendingImage(ctx, key)
		if err != nil {
			if errors.Is(err, ErrImageNotFound) {
				continue
			}
			return uploaded, newPersistenceError("read pending image", key, err)
		}
		if err := u.put(ctx, key, blob); err != nil {
			return uploaded, err
		}
		if err := u.local.RemovePendingImage(ctx, key); err != nil {
			return uploaded, newPersistenceError("remove pending image", key, err)
		}
		uploaded++
		u.metrics.uploadsCompleted.Inc()
		slog.Debug("attachment uploaded", "key", key, "bytes", len(blob))
	}
	return uploaded, nil
}

func (u *AttachmentUploader) put(ctx context.Context, key string, blob []byte) error {
	fullKey := u.config.Prefix + key
	return u.retryer.Do(ctx, func() error {
		_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(u.config.Bucket),
			Key:    aws.String(fullKey),
			Body:   bytes.NewReader(blob),
		})
		if err != nil {
			return &NetworkError{Op: "upload attachment", Cause: err}
		}
		return nil
	})
}
