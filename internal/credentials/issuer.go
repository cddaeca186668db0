// Package credentials mints short-lived, read-only signed URLs for segment objects.
package credentials

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/minio/minio-go/v7/pkg/s3utils"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/gaitlab/internal/config"
	"github.com/maneesh/gaitlab/internal/metrics"
)

var tracer = otel.Tracer("gaitlab-credentials")

const (
	// ClockSkew back-dates every URL so hosts with slightly slow clocks accept it.
	ClockSkew = 5 * time.Minute

	// MaxValidity is the longest window S3-compatible stores accept for a presigned URL.
	MaxValidity = 7 * 24 * time.Hour

	unsignedPayload = "UNSIGNED-PAYLOAD"
)

// Source resolves the account key pair. It is called on every issuance.
type Source func() (config.StoreCredentials, error)

// Issuer signs GET URLs for objects in one bucket.
type Issuer struct {
	source Source
	bucket string
	region string
	secure bool
	signer *v4.Signer
	now    func() time.Time
	log    zerolog.Logger
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the issuance clock.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer builds an issuer for bucket. secure selects https when the
// resolved endpoint carries no scheme.
func NewIssuer(source Source, bucket, region string, secure bool, log zerolog.Logger, opts ...Option) *Issuer {
	i := &Issuer{
		source: source,
		bucket: bucket,
		region: region,
		secure: secure,
		signer: v4.NewSigner(func(o *v4.SignerOptions) {
			o.DisableURIPathEscaping = true
		}),
		now: time.Now,
		log: log.With().Str("component", "credential-issuer").Logger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IssueReadURL mints a fresh read-only URL for objectName valid from
// ClockSkew before now until ttl after now. The object is not checked for existence.
func (i *Issuer) IssueReadURL(ctx context.Context, objectName string, ttl time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "credentials.issue_read_url",
		trace.WithAttributes(
			attribute.String("object_name", objectName),
			attribute.Int64("ttl_seconds", int64(ttl.Seconds())),
		),
	)
	defer span.End()

	started := time.Now()
	defer func() { metrics.RecordPresign(time.Since(started).Seconds()) }()

	creds, err := i.source()
	if err != nil {
		span.RecordError(err)
		i.log.Error().Err(err).Str("object_name", objectName).Msg("cannot resolve storage credentials")
		return "", err
	}

	issuedAt := i.now().UTC()
	validity := ttl + ClockSkew
	if validity > MaxValidity {
		validity = MaxValidity
	}

	u, err := i.objectURL(creds.Endpoint, objectName)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	q := u.Query()
	q.Set("X-Amz-Expires", strconv.FormatInt(int64(validity/time.Second), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to build request for %s: %w", objectName, err)
	}

	signed, _, err := i.signer.PresignHTTP(ctx, aws.Credentials{
		AccessKeyID:     creds.AccessKey,
		SecretAccessKey: creds.SecretKey,
	}, req, unsignedPayload, "s3", i.region, issuedAt.Add(-ClockSkew))
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to presign %s: %w", objectName, err)
	}

	i.log.Debug().
		Str("object_name", objectName).
		Str("url", Redact(signed)).
		Time("expires_at", issuedAt.Add(ttl)).
		Msg("issued read url")
	return signed, nil
}

func (i *Issuer) objectURL(endpoint, objectName string) (*url.URL, error) {
	if !strings.Contains(endpoint, "://") {
		scheme := "http"
		if i.secure {
			scheme = "https"
		}
		endpoint = scheme + "://" + endpoint
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid object store endpoint: %w", err)
	}
	// S3 canonicalizes every reserved character, which url.URL leaves literal
	return &url.URL{
		Scheme:  base.Scheme,
		Host:    base.Host,
		Path:    "/" + i.bucket + "/" + objectName,
		RawPath: "/" + s3utils.EncodePath(i.bucket) + "/" + s3utils.EncodePath(objectName),
	}, nil
}

// Redact drops the query string so credentials never reach logs.
func Redact(raw string) string {
	if before, _, ok := strings.Cut(raw, "?"); ok {
		return before + "?<redacted>"
	}
	return raw
}
