package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/transport"
	"github.com/keyfold/keyfold/internal/vaultfile"
)

// S3Provider stores vault containers as objects in an S3 bucket.
// Conditional writes use the If-Match precondition on PutObject.
type S3Provider struct {
	logger *events.Logger

	// newClient is replaceable for tests.
	newClient func(ctx context.Context, cfg *s3Config) (s3API, error)
}

const s3Name = "s3"

// s3Config is the provider's account configuration blob.
type s3Config struct {
	Bucket   string `json:"bucket"`
	Region   string `json:"region,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // S3-compatible servers
}

// s3API is the subset of the SDK client the provider uses.
type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewS3Provider creates an S3 provider using the default AWS credential
// chain.
func NewS3Provider(logger *events.Logger) *S3Provider {
	return &S3Provider{
		logger: logger.WithField("component", "s3_provider"),
		newClient: func(ctx context.Context, cfg *s3Config) (s3API, error) {
			var opts []func(*awsconfig.LoadOptions) error
			if cfg.Region != "" {
				opts = append(opts, awsconfig.WithRegion(cfg.Region))
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
			if err != nil {
				return nil, fmt.Errorf("load AWS config: %w", err)
			}
			return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
				if cfg.Endpoint != "" {
					o.BaseEndpoint = aws.String(cfg.Endpoint)
					o.UsePathStyle = true
				}
			}), nil
		},
	}
}

// NewS3ProviderWithClient creates a provider bound to a prebuilt client,
// for tests.
func NewS3ProviderWithClient(api s3API, logger *events.Logger) *S3Provider {
	return &S3Provider{
		logger: logger.WithField("component", "s3_provider"),
		newClient: func(context.Context, *s3Config) (s3API, error) {
			return api, nil
		},
	}
}

func (p *S3Provider) Name() string { return s3Name }

func (p *S3Provider) Authenticate(ctx context.Context, account *models.ProviderAccount) (*models.ProviderAccount, error) {
	cfg, api, err := p.open(ctx, account)
	if err != nil {
		return nil, err
	}

	_, err = api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)})
	if err != nil {
		return nil, classifyS3(err)
	}
	return account, nil
}

func (p *S3Provider) ListRemoteVaults(ctx context.Context, account *models.ProviderAccount) ([]RemoteVault, error) {
	cfg, api, err := p.open(ctx, account)
	if err != nil {
		return nil, err
	}

	var vaults []RemoteVault
	var continuation *string
	for {
		out, err := api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(cfg.Bucket),
			Prefix:            aws.String(cfg.Prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, classifyS3(err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if path.Ext(key) != vaultfile.FileExt {
				continue
			}
			v := RemoteVault{
				RemoteID: strings.TrimPrefix(key, cfg.Prefix),
				Name:     strings.TrimSuffix(path.Base(key), vaultfile.FileExt),
				Etag:     transport.TrimEtag(aws.ToString(obj.ETag)),
				Size:     aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				v.ModifiedAt = obj.LastModified.UTC()
			}
			vaults = append(vaults, v)
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}
	return vaults, nil
}

func (p *S3Provider) Download(ctx context.Context, account *models.ProviderAccount, remoteID string) ([]byte, string, error) {
	cfg, api, err := p.open(ctx, account)
	if err != nil {
		return nil, "", err
	}

	out, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(cfg.Prefix + remoteID),
	})
	if err != nil {
		return nil, "", classifyS3(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", models.NewProviderError(s3Name, models.KindNetwork,
			fmt.Errorf("read object body: %w", err))
	}
	return data, transport.TrimEtag(aws.ToString(out.ETag)), nil
}

func (p *S3Provider) Upload(ctx context.Context, account *models.ProviderAccount, remoteID string, data []byte, ifMatchEtag string) (*UploadResult, error) {
	cfg, api, err := p.open(ctx, account)
	if err != nil {
		return nil, err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(cfg.Prefix + remoteID),
		Body:   bytes.NewReader(data),
	}
	if ifMatchEtag != "" {
		input.IfMatch = aws.String(`"` + ifMatchEtag + `"`)
	}

	out, err := api.PutObject(ctx, input)
	if err != nil {
		return nil, classifyS3(err)
	}

	p.logger.WithFields(map[string]interface{}{
		"remote_id": remoteID,
		"size":      len(data),
	}).Debug("Uploaded object")

	return &UploadResult{
		Etag:       transport.TrimEtag(aws.ToString(out.ETag)),
		ModifiedAt: time.Now().UTC(),
	}, nil
}

func (p *S3Provider) Delete(ctx context.Context, account *models.ProviderAccount, remoteID string) error {
	cfg, api, err := p.open(ctx, account)
	if err != nil {
		return err
	}

	_, err = api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(cfg.Prefix + remoteID),
	})
	if err != nil {
		return classifyS3(err)
	}
	return nil
}

// ListChanges is not supported; buckets have no delta listing without
// extra infrastructure.
func (p *S3Provider) ListChanges(ctx context.Context, account *models.ProviderAccount, cursor string) (*ChangePage, error) {
	return nil, models.ErrNotSupported
}

func (p *S3Provider) open(ctx context.Context, account *models.ProviderAccount) (*s3Config, s3API, error) {
	if account == nil || len(account.Config) == 0 {
		return nil, nil, models.NewProviderError(s3Name, models.KindAuthExpired,
			fmt.Errorf("no account configuration"))
	}
	var cfg s3Config
	if err := json.Unmarshal(account.Config, &cfg); err != nil {
		return nil, nil, models.NewProviderError(s3Name, models.KindGeneric,
			fmt.Errorf("parse account configuration: %w", err))
	}
	if cfg.Bucket == "" {
		return nil, nil, models.NewProviderError(s3Name, models.KindGeneric,
			fmt.Errorf("account configuration missing bucket"))
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}

	api, err := p.newClient(ctx, &cfg)
	if err != nil {
		return nil, nil, models.NewProviderError(s3Name, models.KindGeneric, err)
	}
	return &cfg, api, nil
}

// classifyS3 maps SDK errors into the provider taxonomy.
func classifyS3(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return models.NewProviderError(s3Name, models.KindNotFound, err)
		case "AccessDenied":
			return models.NewProviderError(s3Name, models.KindPermissionDenied, err)
		case "ExpiredToken", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return models.NewProviderError(s3Name, models.KindAuthExpired, err)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return models.NewProviderError(s3Name, models.KindConflict, err)
		case "SlowDown", "RequestLimitExceeded", "Throttling":
			return models.NewProviderError(s3Name, models.KindRateLimited, err)
		case "QuotaExceeded":
			return models.NewProviderError(s3Name, models.KindQuotaExceeded, err)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return transport.ClassifyStatus(s3Name, respErr.HTTPStatusCode(), respErr.HTTPResponse().Header, nil)
	}
	return models.NewProviderError(s3Name, models.KindNetwork, err)
}
