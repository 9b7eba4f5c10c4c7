// Package s3fs implements the S3 backend: vault files are objects under a
// key prefix of one bucket. Directories are key prefixes and exist only
// while they hold objects.
package s3fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"kpvault-go/internal/remote"
	"kpvault-go/internal/vfs"
)

const defaultRegion = "us-east-1"

// Location is a parsed s3://bucket/prefix?region=..&endpoint=.. URL.
type Location struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// ParseLocation parses the URL of S3 credentials. Prefix is returned without
// a leading separator and with a trailing one unless empty.
func ParseLocation(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, vfs.WrapError(vfs.KindAuth, err, "invalid S3 URL")
	}
	if u.Scheme != "s3" || u.Host == "" {
		return Location{}, vfs.NewError(vfs.KindAuth, "S3 URL must look like s3://bucket/prefix, got %q", raw)
	}
	loc := Location{
		Bucket:   u.Host,
		Prefix:   strings.Trim(u.Path, "/"),
		Region:   u.Query().Get("region"),
		Endpoint: u.Query().Get("endpoint"),
	}
	if loc.Prefix != "" {
		loc.Prefix += "/"
	}
	if loc.Region == "" {
		loc.Region = defaultRegion
	}
	return loc, nil
}

// String renders loc in the form ParseLocation accepts.
func (loc Location) String() string {
	u := url.URL{Scheme: "s3", Host: loc.Bucket, Path: "/" + strings.Trim(loc.Prefix, "/")}
	q := url.Values{}
	if loc.Region != "" {
		q.Set("region", loc.Region)
	}
	if loc.Endpoint != "" {
		q.Set("endpoint", loc.Endpoint)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Options configures clients built by NewClientFactory.
type Options struct {
	// MaxAttempts bounds SDK retries; zero keeps the SDK default.
	MaxAttempts int
	HTTPClient  *http.Client
}

// Client is a remote.Client over one bucket prefix.
type Client struct {
	s3       *s3.Client
	uploader *manager.Uploader
	loc      Location
}

var _ remote.Client = (*Client)(nil)

// NewClient builds a client for BasicCredentials whose username and password
// are the access key pair. It does no network I/O.
func NewClient(creds vfs.Credentials, opts Options) (*Client, error) {
	basic, ok := creds.(vfs.BasicCredentials)
	if !ok {
		if creds == nil {
			return nil, vfs.NewError(vfs.KindAuth, "S3 requires credentials")
		}
		return nil, vfs.IncorrectUse(fmt.Sprintf("S3 with %T", creds))
	}
	loc, err := ParseLocation(basic.URL)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(loc.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(basic.Username, basic.Password, "")),
	}
	if opts.MaxAttempts > 0 {
		loadOpts = append(loadOpts, config.WithRetryMaxAttempts(opts.MaxAttempts))
	}
	if opts.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(opts.HTTPClient))
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, vfs.WrapError(vfs.KindAuth, err, "loading S3 configuration")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if loc.Endpoint != "" {
			o.BaseEndpoint = aws.String(loc.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &Client{s3: client, uploader: manager.NewUploader(client), loc: loc}, nil
}

func NewClientFactory(opts Options) remote.ClientFactory {
	return func(creds vfs.Credentials) (remote.Client, error) {
		return NewClient(creds, opts)
	}
}

func (c *Client) key(p string) string {
	return c.loc.Prefix + strings.TrimPrefix(vfs.NormalizePath(p), "/")
}

func (c *Client) dirPrefix(p string) string {
	if vfs.IsRootPath(p) {
		return c.loc.Prefix
	}
	return c.key(p) + "/"
}

func (c *Client) pathOf(key string) string {
	return vfs.NormalizePath(strings.TrimPrefix(key, c.loc.Prefix))
}

func etag(s *string) string {
	return strings.Trim(aws.ToString(s), `"`)
}

func (c *Client) List(ctx context.Context, p string) ([]vfs.RemoteFileMetadata, error) {
	p = vfs.NormalizePath(p)
	prefix := c.dirPrefix(p)
	pages := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.loc.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var out []vfs.RemoteFileMetadata
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "list", p)
		}
		for _, cp := range page.CommonPrefixes {
			dir := c.pathOf(strings.TrimSuffix(aws.ToString(cp.Prefix), "/"))
			out = append(out, vfs.RemoteFileMetadata{UID: dir, Path: dir, IsDirectory: true})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue
			}
			file := c.pathOf(key)
			out = append(out, vfs.RemoteFileMetadata{
				UID:            file,
				Path:           file,
				Revision:       etag(obj.ETag),
				Size:           aws.ToInt64(obj.Size),
				ServerModified: aws.ToTime(obj.LastModified).UTC(),
			})
		}
	}

	if len(out) == 0 && !vfs.IsRootPath(p) {
		if _, err := c.head(ctx, p); err == nil {
			return nil, vfs.NewError(vfs.KindNotADirectory, "%s is not a directory", p)
		}
		return nil, vfs.NewError(vfs.KindFileNotFound, "%s not found", p)
	}
	return out, nil
}

func (c *Client) head(ctx context.Context, p string) (vfs.RemoteFileMetadata, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.loc.Bucket),
		Key:    aws.String(c.key(p)),
	})
	if err != nil {
		return vfs.RemoteFileMetadata{}, err
	}
	return vfs.RemoteFileMetadata{
		UID:            p,
		Path:           p,
		Revision:       etag(out.ETag),
		Size:           aws.ToInt64(out.ContentLength),
		ServerModified: aws.ToTime(out.LastModified).UTC(),
	}, nil
}

// Stat treats p as a directory when no object exists at p but keys live under it.
func (c *Client) Stat(ctx context.Context, p string) (vfs.RemoteFileMetadata, error) {
	p = vfs.NormalizePath(p)
	if vfs.IsRootPath(p) {
		return vfs.RemoteFileMetadata{UID: p, Path: p, IsDirectory: true}, nil
	}
	meta, err := c.head(ctx, p)
	if err == nil {
		return meta, nil
	}
	if verr := classify(err, "stat", p); verr.Kind != vfs.KindFileNotFound {
		return vfs.RemoteFileMetadata{}, verr
	}

	under, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.loc.Bucket),
		Prefix:  aws.String(c.dirPrefix(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "stat", p)
	}
	if len(under.Contents) == 0 {
		return vfs.RemoteFileMetadata{}, vfs.NewError(vfs.KindFileNotFound, "%s not found", p)
	}
	return vfs.RemoteFileMetadata{UID: p, Path: p, IsDirectory: true}, nil
}

func (c *Client) Download(ctx context.Context, p string, w io.Writer) (vfs.RemoteFileMetadata, error) {
	p = vfs.NormalizePath(p)
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.loc.Bucket),
		Key:    aws.String(c.key(p)),
	})
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "download", p)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, remote.ContextReader(ctx, out.Body)); err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "download", p)
	}
	return vfs.RemoteFileMetadata{
		UID:            p,
		Path:           p,
		Revision:       etag(out.ETag),
		Size:           aws.ToInt64(out.ContentLength),
		ServerModified: aws.ToTime(out.LastModified).UTC(),
	}, nil
}

// Upload streams r through the multipart uploader, which buffers parts itself.
func (c *Client) Upload(ctx context.Context, p string, r io.Reader, _ int64) (vfs.RemoteFileMetadata, error) {
	p = vfs.NormalizePath(p)
	if vfs.IsRootPath(p) {
		return vfs.RemoteFileMetadata{}, vfs.NewError(vfs.KindGenericIO, "cannot upload to the bucket root")
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(c.loc.Bucket),
		Key:    aws.String(c.key(p)),
		Body:   r,
	}
	if _, err := c.uploader.Upload(ctx, in); err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}
	meta, err := c.head(ctx, p)
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}
	return meta, nil
}

// classify maps SDK errors onto the error taxonomy. HTTP status wins over the
// API error code because HEAD responses carry no error body.
func classify(err error, op, p string) *vfs.Error {
	if e, ok := vfs.AsError(err); ok {
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return vfs.WrapError(vfs.KindNetworkIO, err, "%s %s", op, p)
	}

	// Failed sends also surface as a ResponseError, with status 0.
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = statusCode(respErr)
	}
	var sendErr *smithyhttp.RequestSendError
	var netErr net.Error
	if status == 0 && (respErr != nil || errors.As(err, &sendErr) || errors.As(err, &netErr)) {
		return vfs.WrapError(vfs.KindNetworkIO, err, "%s %s", op, p)
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return vfs.WrapError(vfs.KindAuth, err, "%s %s", op, p)
	case http.StatusNotFound:
		return vfs.WrapError(vfs.KindFileNotFound, err, "%s %s", op, p)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return vfs.WrapError(vfs.KindFileNotFound, err, "%s %s", op, p)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return vfs.WrapError(vfs.KindAuth, err, "%s %s", op, p)
		}
		return vfs.WrapError(vfs.KindRemoteAPI, err, "%s %s", op, p)
	}
	if status != 0 {
		return vfs.WrapError(vfs.KindRemoteAPI, err, "%s %s", op, p)
	}
	return vfs.WrapError(vfs.KindGenericIO, err, "%s %s", op, p)
}

func statusCode(e *awshttp.ResponseError) int {
	if e.ResponseError == nil || e.Response == nil || e.Response.Response == nil {
		return 0
	}
	return e.HTTPStatusCode()
}
