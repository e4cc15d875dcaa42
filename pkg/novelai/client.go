// Package novelai turns derived keys, fitted sizes and downloaded images
// into calls against the NovelAI login and image generation endpoints.
package novelai

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"path"
	"strings"

	"naikit/internal/constants"
	apperrors "naikit/internal/errors"
	"naikit/internal/metrics"
	"naikit/internal/tracing"
	"naikit/internal/validation"
	"naikit/pkg/imagesize"
	"naikit/pkg/transport"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// maxImageBytes bounds a single decompressed file in a generation response
const maxImageBytes = 32 * 1024 * 1024

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// API is the subset of the transport the client posts through
type API interface {
	PostJSON(ctx context.Context, url string, headers map[string]string, payload interface{}) ([]byte, error)
}

// KeyDeriver produces the access key used for login
type KeyDeriver interface {
	DeriveAccessKey(ctx context.Context, email, password string) (string, error)
}

// ImageSource resolves a data URI or URL to raw image bytes
type ImageSource interface {
	Download(ctx context.Context, source string, headers map[string]string) ([]byte, error)
}

// Config holds the endpoint roots and request defaults
type Config struct {
	APIBaseURL   string
	ImageBaseURL string
	Defaults     GenerateParams
}

// Client talks to the NovelAI endpoints
type Client struct {
	config  Config
	api     API
	keys    KeyDeriver
	images  ImageSource
	logger  *logrus.Logger
	metrics *metrics.Collector
}

// NewClient wires a client. logger and collector may be nil.
func NewClient(config Config, api API, keys KeyDeriver, images ImageSource, logger *logrus.Logger, collector *metrics.Collector) *Client {
	if config.APIBaseURL == "" {
		config.APIBaseURL = constants.DefaultAPIBaseURL
	}
	if config.ImageBaseURL == "" {
		config.ImageBaseURL = constants.DefaultImageBaseURL
	}
	config.APIBaseURL = strings.TrimRight(config.APIBaseURL, "/")
	config.ImageBaseURL = strings.TrimRight(config.ImageBaseURL, "/")

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if collector == nil {
		collector = metrics.Default()
	}

	return &Client{
		config:  config,
		api:     api,
		keys:    keys,
		images:  images,
		logger:  logger,
		metrics: collector,
	}
}

// Login derives the access key for the credentials and exchanges it for a session
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	if err := validation.ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := validation.ValidatePassword(password); err != nil {
		return nil, err
	}

	accessKey, err := c.keys.DeriveAccessKey(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.LoginWithAccessKey(ctx, accessKey)
}

// LoginWithAccessKey exchanges an already derived access key for a session.
// A 401 becomes an authentication AppError; any other failure is returned unchanged.
func (c *Client) LoginWithAccessKey(ctx context.Context, accessKey string) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, "novelai.login")
	defer span.End()

	body, err := c.api.PostJSON(ctx, c.config.APIBaseURL+constants.LoginPath, nil, LoginRequest{Key: accessKey})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, mapAuthError(err)
	}

	var resp LoginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeNovelAIAPI, "failed to decode login response")
	}
	if resp.AccessToken == "" {
		return nil, apperrors.New(apperrors.ErrCodeNovelAIAPI, "login response carried no access token")
	}

	c.logger.Debug("Logged in to NovelAI")
	return &Session{AccessToken: resp.AccessToken}, nil
}

// Generate fits the requested size, resolves the optional source image and
// returns the images in the response archive.
func (c *Client) Generate(ctx context.Context, session *Session, params GenerateParams) ([]Image, error) {
	if session == nil || session.AccessToken == "" {
		return nil, apperrors.NewInvalidInputError("session", "an access token is required")
	}
	if err := validation.ValidatePrompt(params.Prompt); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "novelai.generate")
	defer span.End()

	req, err := c.buildRequest(ctx, params)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	tracing.AddSpanAttributes(ctx,
		attribute.String("novelai.action", req.Action),
		attribute.Int("novelai.width", req.Parameters.Width),
		attribute.Int("novelai.height", req.Parameters.Height),
	)

	headers := map[string]string{"Authorization": "Bearer " + session.AccessToken}
	body, err := c.api.PostJSON(ctx, c.config.ImageBaseURL+constants.GenerateImagePath, headers, req)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, mapAuthError(err)
	}

	images, err := extractImages(body)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"action": req.Action,
		"size":   fmt.Sprintf("%dx%d", req.Parameters.Width, req.Parameters.Height),
		"images": len(images),
	}).Info("Generation completed")
	return images, nil
}

func (c *Client) buildRequest(ctx context.Context, params GenerateParams) (*GenerateRequest, error) {
	p := c.withDefaults(params)
	if err := validateParams(p); err != nil {
		return nil, err
	}

	size, strategy := imagesize.FitWithStrategy(p.Size)
	c.metrics.RecordFit(string(strategy))
	if size != p.Size {
		c.logger.WithFields(logrus.Fields{
			"requested": p.Size.String(),
			"fitted":    size.String(),
			"strategy":  strategy,
		}).Debug("Adjusted requested size")
	}

	req := &GenerateRequest{
		Input:  p.Prompt,
		Model:  p.Model,
		Action: ActionGenerate,
		Parameters: GenerateParameters{
			Width:          size.Width,
			Height:         size.Height,
			Scale:          p.Scale,
			Sampler:        p.Sampler,
			Steps:          p.Steps,
			Seed:           p.Seed,
			NSamples:       1,
			QualityToggle:  true,
			NegativePrompt: p.NegativePrompt,
		},
	}

	if p.SourceImage != "" {
		data, err := c.images.Download(ctx, p.SourceImage, nil)
		if err != nil {
			return nil, err
		}
		data, resized, err := fitSource(data, size)
		if err != nil {
			return nil, apperrors.NewMediaError("resize", "source", err)
		}
		if resized {
			c.logger.WithField("fitted", size.String()).Debug("Resized source image")
		}
		strength, noise := p.Strength, p.Noise
		req.Action = ActionImg2Img
		req.Parameters.Image = base64.StdEncoding.EncodeToString(data)
		req.Parameters.Strength = &strength
		req.Parameters.Noise = &noise
		req.Parameters.ExtraNoiseSeed = p.Seed
	}

	return req, nil
}

func validateParams(p GenerateParams) error {
	if err := validation.ValidateNumericRange(p.Steps, "steps", validation.MinSteps, validation.MaxSteps); err != nil {
		return err
	}
	if err := validation.ValidateScale(p.Scale); err != nil {
		return err
	}
	if p.SourceImage == "" {
		return nil
	}
	if err := validation.ValidateFraction(p.Strength, "strength", false); err != nil {
		return err
	}
	return validation.ValidateFraction(p.Noise, "noise", true)
}

func (c *Client) withDefaults(p GenerateParams) GenerateParams {
	d := c.config.Defaults
	if p.Model == "" {
		p.Model = firstNonEmpty(d.Model, constants.DefaultModel)
	}
	if p.Sampler == "" {
		p.Sampler = firstNonEmpty(d.Sampler, constants.DefaultSampler)
	}
	if p.Steps <= 0 {
		p.Steps = firstPositive(d.Steps, constants.DefaultSteps)
	}
	if p.Scale <= 0 {
		p.Scale = firstPositiveFloat(d.Scale, constants.DefaultScale)
	}
	if p.Strength <= 0 {
		p.Strength = firstPositiveFloat(d.Strength, constants.DefaultStrength)
	}
	if p.Noise <= 0 && d.Noise > 0 {
		p.Noise = d.Noise
	}
	if p.NegativePrompt == "" {
		p.NegativePrompt = d.NegativePrompt
	}
	if p.Size == (imagesize.Size{}) {
		p.Size = imagesize.Size{Width: constants.DefaultImageSide, Height: constants.DefaultImageSide}
	}
	if p.Seed == 0 {
		p.Seed = uint32(rand.Int63n(1<<32-1)) + 1
	}
	return p
}

// extractImages unpacks the archive the endpoint returns. A bare PNG body
// is accepted as a single image.
func extractImages(body []byte) ([]Image, error) {
	if bytes.HasPrefix(body, pngSignature) {
		return []Image{{Name: "image_0.png", Data: body}}, nil
	}

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeNovelAIAPI, "generation response is not an image archive")
	}

	images := make([]Image, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		data, err := readZipEntry(f)
		if err != nil {
			return nil, err
		}
		images = append(images, Image{Name: path.Base(f.Name), Data: data})
	}

	if len(images) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeNovelAIAPI, "generation response contained no images")
	}
	return images, nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeNovelAIAPI, "failed to open archive entry").
			WithContext("entry", f.Name)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxImageBytes+1))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeNovelAIAPI, "failed to read archive entry").
			WithContext("entry", f.Name)
	}
	if len(data) > maxImageBytes {
		return nil, apperrors.NewTooLargeError(int64(len(data)), maxImageBytes).WithContext("entry", f.Name)
	}
	return data, nil
}

func mapAuthError(err error) error {
	if code, ok := transport.StatusCode(err); ok && code == http.StatusUnauthorized {
		return apperrors.NewAuthError(code, err)
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveFloat(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
