package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/yarascan/internal/cryptoutil"
	"github.com/keithlinneman/yarascan/internal/log"
	"github.com/keithlinneman/yarascan/internal/netguard"
	"github.com/keithlinneman/yarascan/internal/xerrors"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	ErrS3Disabled        = errors.New("s3 fetch is not enabled")
)

// StatusError is returned when the remote server answers with a non-2xx
// status. The body is discarded.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// S3API is the subset of the S3 client the fetcher uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// FetchMetrics is implemented by the metrics package.
type FetchMetrics interface {
	ObserveFetch(scheme, result string, seconds float64, bytes int)
}

type FetcherOptions struct {
	Logger log.Logger

	// HTTPClient defaults to a client with an otelhttp transport.
	HTTPClient *http.Client

	// BlockPrivateNetworks refuses to dial loopback, private, link-local and
	// unspecified addresses. It applies to the default client only.
	BlockPrivateNetworks bool

	// Timeout bounds the whole fetch. Zero uses DefaultFetchTimeout.
	Timeout time.Duration

	// MaxBytes bounds the payload. Zero uses DefaultMaxFetchBytes.
	MaxBytes int64

	// S3 enables s3://bucket/key URLs. nil rejects them.
	S3 S3API

	UserAgent string
	Metrics   FetchMetrics
}

// Fetcher downloads a remote payload fully into memory.
type Fetcher struct {
	client    *http.Client
	s3        S3API
	timeout   time.Duration
	maxBytes  int64
	userAgent string
	logger    log.Logger
	metrics   FetchMetrics
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	f := &Fetcher{
		client:    opts.HTTPClient,
		s3:        opts.S3,
		timeout:   opts.Timeout,
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if f.client == nil {
		f.client = newHTTPClient(opts.BlockPrivateNetworks)
	}
	if f.timeout <= 0 {
		f.timeout = DefaultFetchTimeout
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxFetchBytes
	}
	if f.logger == nil {
		f.logger = log.Nop()
	}
	return f
}

func newHTTPClient(blockPrivate bool) *http.Client {
	if !blockPrivate {
		return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   netguard.Control,
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = dialer.DialContext
	// a proxy would hide the real destination from the dial check
	tr.Proxy = nil
	return &http.Client{Transport: otelhttp.NewTransport(tr)}
}

// NewS3Client builds an S3 client from the default AWS config chain.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}
	return s3.NewFromConfig(awsCfg), nil
}

// Fetch downloads rawURL. http and https are always supported; s3 only when
// an S3 client was configured. Any non-2xx response is an error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, xerrors.Wrap(err, "parse url")
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	scheme := strings.ToLower(u.Scheme)
	var data []byte
	var sum string
	switch scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, xerrors.Newf("url %q has no host", rawURL)
		}
		data, sum, err = f.fetchHTTP(ctx, u)
	case "s3":
		data, sum, err = f.fetchS3(ctx, u)
	default:
		return nil, xerrors.Wrapf(ErrUnsupportedScheme, "%q", u.Scheme)
	}

	dur := time.Since(start)
	if f.metrics != nil {
		result := "success"
		if err != nil {
			result = "error"
		}
		f.metrics.ObserveFetch(scheme, result, dur.Seconds(), len(data))
	}
	if err != nil {
		return nil, err
	}

	f.logger.Info(ctx, "fetched sample",
		"url", redactURL(u),
		"bytes", len(data),
		"sha256", sum,
		"duration_ms", dur.Milliseconds(),
	)
	return data, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", xerrors.Wrap(err, "build request")
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", xerrors.Wrap(err, "http get")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain a little so the connection can be reused
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil, "", &StatusError{URL: redactURL(u), StatusCode: resp.StatusCode}
	}
	if resp.ContentLength > f.maxBytes {
		return nil, "", xerrors.Wrapf(ErrTooLarge, "content-length %d, limit %d", resp.ContentLength, f.maxBytes)
	}

	data, sum, err := cryptoutil.ReadAllSHA256(resp.Body, f.maxBytes)
	if err != nil {
		return nil, "", xerrors.Wrap(err, "read response body")
	}
	return data, sum, nil
}

func (f *Fetcher) fetchS3(ctx context.Context, u *url.URL) ([]byte, string, error) {
	if f.s3 == nil {
		return nil, "", ErrS3Disabled
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, "", xerrors.Newf("s3 url must be s3://bucket/key, got %q", u.String())
	}

	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > f.maxBytes {
		return nil, "", xerrors.Wrapf(ErrTooLarge, "object is %d bytes, limit %d", *out.ContentLength, f.maxBytes)
	}
	data, sum, err := cryptoutil.ReadAllSHA256(out.Body, f.maxBytes)
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "read S3 object s3://%s/%s", bucket, key)
	}
	return data, sum, nil
}

// redactURL drops userinfo and the query string, which commonly carry
// credentials or presigned tokens.
func redactURL(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	c.Fragment = ""
	return c.String()
}
