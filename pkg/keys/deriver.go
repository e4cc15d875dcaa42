// Package keys derives the NovelAI access key and data encryption key from
// a user's email and password.
//
// Both keys are Argon2id outputs salted with a BLAKE2b digest of a domain
// string built from the first six UTF-16 code units of the password, the email and
// a fixed suffix. The access key is the first 64 characters of the URL-safe,
// unpadded base64 encoding of a 64 byte output. The encryption key is the
// full encoding of a 128 byte output.
package keys

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"
	"unicode/utf16"

	"naikit/internal/constants"
	apperrors "naikit/internal/errors"
	"naikit/internal/metrics"
	"naikit/internal/privacy"
	"naikit/internal/retry"
	"naikit/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// Argon2id cost parameters fixed by the remote service
const (
	OpsLimit       uint32 = 2
	MemLimitBytes  uint64 = 2_000_000
	AccessKeyBytes uint32 = 64
	EncKeyBytes    uint32 = 128

	// AccessKeyLength is the length of the encoded access key after truncation
	AccessKeyLength = 64

	passwordPrefixUnits = 6
)

// Kind selects which key a derivation produces
type Kind int

const (
	KindAccess Kind = iota
	KindEncryption
)

func (k Kind) String() string {
	switch k {
	case KindAccess:
		return "access"
	case KindEncryption:
		return "encryption"
	default:
		return "unknown"
	}
}

func (k Kind) domainSuffix() string {
	if k == KindEncryption {
		return "novelai_data_encryption_key"
	}
	return "novelai_data_access_key"
}

func (k Kind) outputBytes() uint32 {
	if k == KindEncryption {
		return EncKeyBytes
	}
	return AccessKeyBytes
}

// Options configures a Deriver
type Options struct {
	Primitive Primitive
	Logger    *logrus.Logger
	Metrics   *metrics.Collector
	Retry     *retry.Policy
}

// Deriver computes keys once the primitives have passed their self-test.
// It is safe for concurrent use.
type Deriver struct {
	primitive Primitive
	logger    *logrus.Logger
	metrics   *metrics.Collector
	policy    retry.Policy

	initOnce sync.Once
	initDone chan struct{}
	initErr  error

	inflight singleflight.Group
}

// NewDeriver creates a Deriver. Initialization is deferred to the first Ready call.
func NewDeriver(opts Options) *Deriver {
	if opts.Primitive == nil {
		opts.Primitive = NewPrimitive()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}

	policy := retry.DefaultPolicy()
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	policy.MaxAttempts = constants.DefaultDerivationMaxAttempts
	policy.Retryable = func(err error) bool {
		return errors.Is(err, ErrMemoryAllocation)
	}

	return &Deriver{
		primitive: opts.Primitive,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		policy:    policy,
		initDone:  make(chan struct{}),
	}
}

// Ready blocks until the primitives are initialized. The self-test runs once
// per Deriver and every caller observes the same outcome. Cancelling ctx
// abandons the wait but not the initialization.
func (d *Deriver) Ready(ctx context.Context) error {
	d.metrics.RecordReadinessWait()
	d.initOnce.Do(func() {
		go d.initialize()
	})

	select {
	case <-d.initDone:
		return d.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Deriver) initialize() {
	defer close(d.initDone)

	if err := d.selfTest(); err != nil {
		d.initErr = apperrors.NewCryptoInitError(err)
		d.logger.WithError(err).Error("Crypto primitives failed self-test")
		return
	}
	d.logger.Debug("Crypto primitives ready")
}

func (d *Deriver) selfTest() error {
	salt, err := d.primitive.Hash(saltBytes, []byte("naikit-self-test"))
	if err != nil {
		return err
	}
	if len(salt) != saltBytes {
		return errors.New("blake2b returned a digest of the wrong length")
	}

	out, err := d.primitive.IDKey([]byte("self-test"), salt, 1, minMemLimit, minKeyBytes)
	if err != nil {
		return err
	}
	if len(out) != minKeyBytes {
		return errors.New("argon2id returned a key of the wrong length")
	}
	return nil
}

// DeriveAccessKey returns the 64 character login key
func (d *Deriver) DeriveAccessKey(ctx context.Context, email, password string) (string, error) {
	return d.derive(ctx, KindAccess, email, password)
}

// DeriveEncryptionKey returns the full-length data encryption key
func (d *Deriver) DeriveEncryptionKey(ctx context.Context, email, password string) (string, error) {
	return d.derive(ctx, KindEncryption, email, password)
}

func (d *Deriver) derive(ctx context.Context, kind Kind, email, password string) (string, error) {
	if err := d.Ready(ctx); err != nil {
		return "", err
	}

	// The shared computation outlives any single caller; each caller only
	// stops waiting when its own ctx ends.
	flightKey := kind.String() + "\x00" + email + "\x00" + password
	ch := d.inflight.DoChan(flightKey, func() (interface{}, error) {
		return d.compute(context.WithoutCancel(ctx), kind, email, password)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *Deriver) compute(ctx context.Context, kind Kind, email, password string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "keys.derive", attribute.String("key.kind", kind.String()))
	defer span.End()

	start := time.Now()
	key, err := d.computeKey(ctx, kind, email, password)
	elapsed := time.Since(start)
	d.metrics.RecordDerivation(kind.String(), elapsed, err)

	fields := logrus.Fields{
		"kind":     kind.String(),
		"email":    privacy.MaskEmail(email),
		"duration": elapsed.String(),
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		d.logger.WithFields(fields).WithError(err).Error("Key derivation failed")
		return "", err
	}

	d.logger.WithFields(fields).Debug("Key derived")
	return key, nil
}

func (d *Deriver) computeKey(ctx context.Context, kind Kind, email, password string) (string, error) {
	salt, err := d.salt(kind, email, password)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to compute salt")
	}

	policy := d.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		d.metrics.RecordRetry("derive_" + kind.String())
		d.logger.WithFields(logrus.Fields{
			"kind":    kind.String(),
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Warn("Retrying key derivation")
	}

	raw, attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) ([]byte, error) {
		return d.primitive.IDKey([]byte(password), salt, OpsLimit, MemLimitBytes, kind.outputBytes())
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternalError, "argon2id derivation failed").
			WithContext("kind", kind.String()).
			WithContext("attempts", attempts)
	}

	encoded := base64.RawURLEncoding.EncodeToString(raw)
	if kind == KindAccess && len(encoded) > AccessKeyLength {
		encoded = encoded[:AccessKeyLength]
	}
	return encoded, nil
}

func (d *Deriver) salt(kind Kind, email, password string) ([]byte, error) {
	return d.primitive.Hash(saltBytes, []byte(domainString(kind, email, password)))
}

func domainString(kind Kind, email, password string) string {
	return passwordPrefix(password) + email + kind.domainSuffix()
}

// passwordPrefix keeps the first six UTF-16 code units, as the web client
// does. A surrogate pair cut in half leaves U+FFFD, matching how the client
// encodes a lone surrogate to UTF-8.
func passwordPrefix(password string) string {
	units := utf16.Encode([]rune(password))
	if len(units) > passwordPrefixUnits {
		units = units[:passwordPrefixUnits]
	}
	return string(utf16.Decode(units))
}

var (
	defaultOnce    sync.Once
	defaultDeriver *Deriver
)

// Default returns the process-wide Deriver
func Default() *Deriver {
	defaultOnce.Do(func() {
		defaultDeriver = NewDeriver(Options{})
	})
	return defaultDeriver
}

// DeriveAccessKey derives the access key with the process-wide Deriver
func DeriveAccessKey(ctx context.Context, email, password string) (string, error) {
	return Default().DeriveAccessKey(ctx, email, password)
}

// DeriveEncryptionKey derives the encryption key with the process-wide Deriver
func DeriveEncryptionKey(ctx context.Context, email, password string) (string, error) {
	return Default().DeriveEncryptionKey(ctx, email, password)
}
