package media

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"

	"naikit/internal/constants"
	apperrors "naikit/internal/errors"
	"naikit/internal/metrics"
	"naikit/internal/privacy"
	"naikit/internal/tracing"
	"naikit/pkg/transport"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	pathInline  = "inline"
	pathNetwork = "network"

	dataURIPrefix = "data:"
	base64Marker  = ";base64"
)

// Transport is the HTTP collaborator the downloader needs
type Transport interface {
	HeadMeta(ctx context.Context, url string, headers map[string]string) (transport.Meta, error)
	Get(ctx context.Context, url string, headers map[string]string) ([]byte, error)
}

// Downloader fetches image bytes from a data URI or an http(s) URL,
// enforcing the content type allow-list and the size ceiling.
type Downloader struct {
	transport      Transport
	logger         *logrus.Logger
	metrics        *metrics.Collector
	maxContentSize int64
}

// NewDownloader creates a Downloader. logger and collector may be nil.
func NewDownloader(t Transport, logger *logrus.Logger, collector *metrics.Collector) *Downloader {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if collector == nil {
		collector = metrics.Default()
	}
	return &Downloader{
		transport:      t,
		logger:         logger,
		metrics:        collector,
		maxContentSize: constants.MaxContentSize,
	}
}

// Download returns the raw bytes behind source.
//
// Data URIs are decoded locally and are not held to the size ceiling.
// For URLs the metadata request must pass before the body is fetched.
// Validation errors are returned as AppErrors; transport errors are
// returned unchanged.
func (d *Downloader) Download(ctx context.Context, source string, headers map[string]string) ([]byte, error) {
	if strings.HasPrefix(source, dataURIPrefix) {
		data, err := d.decodeDataURI(source)
		d.record(pathInline, data, err)
		return data, err
	}

	ctx, span := tracing.StartSpan(ctx, "media.download", attribute.String("media.source", privacy.MaskSource(source)))
	defer span.End()

	data, err := d.fetch(ctx, source, headers)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	d.record(pathNetwork, data, err)
	return data, err
}

func (d *Downloader) decodeDataURI(source string) ([]byte, error) {
	header, payload, found := strings.Cut(strings.TrimPrefix(source, dataURIPrefix), ",")
	if !found {
		return nil, apperrors.NewInvalidInputError("source", "data URI has no payload")
	}

	mimeType, isBase64 := strings.CutSuffix(header, base64Marker)
	if !constants.IsAllowedImageType(mimeType) {
		return nil, apperrors.NewUnsupportedTypeError(constants.BaseMimeType(mimeType), privacy.MaskSource(source))
	}
	if !isBase64 {
		return nil, apperrors.NewInvalidInputError("source", "data URI must be base64 encoded")
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid base64 payload in data URI").
			WithContext("field", "source")
	}

	if int64(len(data)) > d.maxContentSize {
		d.logger.WithFields(logrus.Fields{
			"size":  len(data),
			"limit": d.maxContentSize,
		}).Debug("Inline image exceeds the network size ceiling; accepted")
	}
	return data, nil
}

// Padding is optional in the payloads clients produce.
func decodeBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

func (d *Downloader) fetch(ctx context.Context, source string, headers map[string]string) ([]byte, error) {
	if err := validateNetworkSource(source); err != nil {
		return nil, err
	}

	meta, err := d.transport.HeadMeta(ctx, source, headers)
	if err != nil {
		return nil, err
	}

	if meta.ContentLength > d.maxContentSize {
		return nil, apperrors.NewTooLargeError(meta.ContentLength, d.maxContentSize).
			WithContext("source", privacy.MaskSource(source))
	}

	// Rejects types that ARE on the allow-list, compared verbatim. Kept as
	// observed upstream; see DESIGN.md before changing.
	if constants.IsListedImageType(meta.ContentType) {
		return nil, apperrors.NewUnsupportedTypeError(meta.ContentType, privacy.MaskSource(source))
	}

	data, err := d.transport.Get(ctx, source, headers)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) > d.maxContentSize {
		return nil, apperrors.NewTooLargeError(int64(len(data)), d.maxContentSize).
			WithContext("source", privacy.MaskSource(source))
	}
	return data, nil
}

func validateNetworkSource(source string) error {
	u, err := url.Parse(source)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid source URL").
			WithContext("field", "source")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperrors.NewInvalidInputError("source", "source must be a data URI or an http(s) URL")
	}
	if u.Host == "" {
		return apperrors.NewInvalidInputError("source", "source URL has no host")
	}
	return nil
}

func (d *Downloader) record(path string, data []byte, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrUnsupportedType):
		result = "unsupported_type"
	case errors.Is(err, apperrors.ErrTooLarge):
		result = "too_large"
	case apperrors.GetCode(err) == apperrors.ErrCodeInvalidInput:
		result = "invalid_input"
	default:
		result = "error"
	}
	d.metrics.RecordDownload(path, result, len(data))

	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"path":   path,
			"result": result,
		}).WithError(err).Debug("Download rejected")
	}
}
