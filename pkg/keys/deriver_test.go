package keys

import (
	"context"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "naikit/internal/errors"
	"naikit/internal/metrics"
	"naikit/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var urlSafeAlphabet = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// countingPrimitive wraps the real primitive and can inject failures into
// derivation-sized requests while leaving the self-test alone.
type countingPrimitive struct {
	inner       Primitive
	hashCalls   int32
	idKeyCalls  int32
	failures    int32
	failWith    error
	hashErr     error
	hashBlocker chan struct{}
}

func (p *countingPrimitive) Hash(outLen int, msg []byte) ([]byte, error) {
	atomic.AddInt32(&p.hashCalls, 1)
	if p.hashBlocker != nil {
		<-p.hashBlocker
	}
	if p.hashErr != nil {
		return nil, p.hashErr
	}
	return p.inner.Hash(outLen, msg)
}

func (p *countingPrimitive) IDKey(password, salt []byte, opsLimit uint32, memLimitBytes uint64, keyLen uint32) ([]byte, error) {
	if keyLen == minKeyBytes {
		return p.inner.IDKey(password, salt, opsLimit, memLimitBytes, keyLen)
	}
	atomic.AddInt32(&p.idKeyCalls, 1)
	if p.failWith != nil && atomic.AddInt32(&p.failures, -1) >= 0 {
		return nil, p.failWith
	}
	return p.inner.IDKey(password, salt, opsLimit, memLimitBytes, keyLen)
}

func newTestDeriver(p Primitive) (*Deriver, *metrics.Collector) {
	collector := metrics.NewCollector()
	return NewDeriver(Options{
		Primitive: p,
		Metrics:   collector,
		Retry: &retry.Policy{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}), collector
}

func TestDeriveAccessKey(t *testing.T) {
	d, _ := newTestDeriver(nil)
	ctx := context.Background()

	key, err := d.DeriveAccessKey(ctx, "alice@example.com", "password123")
	require.NoError(t, err)
	assert.Len(t, key, AccessKeyLength)
	assert.Regexp(t, urlSafeAlphabet, key)

	again, err := d.DeriveAccessKey(ctx, "alice@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestDeriveEncryptionKey(t *testing.T) {
	d, _ := newTestDeriver(nil)
	ctx := context.Background()

	access, err := d.DeriveAccessKey(ctx, "alice@example.com", "password123")
	require.NoError(t, err)
	enc, err := d.DeriveEncryptionKey(ctx, "alice@example.com", "password123")
	require.NoError(t, err)

	// 128 bytes encode to 171 unpadded characters
	assert.Len(t, enc, 171)
	assert.Regexp(t, urlSafeAlphabet, enc)
	assert.NotEqual(t, access, enc[:AccessKeyLength])
}

func TestDerive_KnownAnswers(t *testing.T) {
	// Argon2id v1.3, opslimit 2, memlimit 2,000,000 bytes, one lane; URL-safe
	// base64 without padding.
	const (
		wantAccess     = "34MClpxXWhleHO9BBrOSfBtFCuO9U0CQW059WAlgZCnY9vtg3Yk5WIvg7C3FGm4t"
		wantEncryption = "HrtgwcUnZAy_D0qXbryQNf871i0jVsFj_jWlRM48ETXAAJGdKV0iPwm07AteauSGsa6lNtNljxlwBvGpb0C709hIyOkJb7MKtHthK5bPlZCgTJBlj7ErsLxmjBRdcLQdvNrw7UpRMqmUpsRcdUnAzr_W_vtfunS9JKppWugRdiI"
	)

	d, _ := newTestDeriver(nil)
	ctx := context.Background()

	access, err := d.DeriveAccessKey(ctx, "alice@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, wantAccess, access)

	enc, err := d.DeriveEncryptionKey(ctx, "alice@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, wantEncryption, enc)
}

func TestDerive_InputsChangeKey(t *testing.T) {
	d, _ := newTestDeriver(nil)
	ctx := context.Background()

	base, err := d.DeriveAccessKey(ctx, "alice@example.com", "password123")
	require.NoError(t, err)

	otherEmail, err := d.DeriveAccessKey(ctx, "bob@example.com", "password123")
	require.NoError(t, err)
	assert.NotEqual(t, base, otherEmail)

	// Same six character prefix, so the salt matches but the password does not
	otherPassword, err := d.DeriveAccessKey(ctx, "alice@example.com", "password456")
	require.NoError(t, err)
	assert.NotEqual(t, base, otherPassword)
}

func TestDerive_ConcurrentCallersAgree(t *testing.T) {
	d, _ := newTestDeriver(nil)

	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := d.DeriveAccessKey(context.Background(), "carol@example.com", "hunter2hunter2")
			assert.NoError(t, err)
			results[i] = key
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestDerive_CancelledCallerDoesNotFailSharedFlight(t *testing.T) {
	p := &countingPrimitive{inner: NewPrimitive(), failWith: ErrMemoryAllocation, failures: 1}
	d := NewDeriver(Options{
		Primitive: p,
		Metrics:   metrics.NewCollector(),
		Retry: &retry.Policy{
			InitialDelay: 300 * time.Millisecond,
			MaxDelay:     300 * time.Millisecond,
			Multiplier:   1,
		},
	})
	require.NoError(t, d.Ready(context.Background()))

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := d.DeriveAccessKey(ctxA, "alice@example.com", "password123")
		errA <- err
	}()

	// First attempt failed; the flight is now waiting to retry
	require.Eventually(t, func() bool { return atomic.LoadInt32(&p.idKeyCalls) == 1 },
		time.Second, time.Millisecond)

	type result struct {
		key string
		err error
	}
	resB := make(chan result, 1)
	go func() {
		key, err := d.DeriveAccessKey(context.Background(), "alice@example.com", "password123")
		resB <- result{key, err}
	}()

	time.Sleep(50 * time.Millisecond)
	cancelA()

	assert.ErrorIs(t, <-errA, context.Canceled)

	b := <-resB
	require.NoError(t, b.err)
	assert.Len(t, b.key, AccessKeyLength)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.idKeyCalls), "second caller joined the same flight")
}

func TestSalt_MatchesBlake2b128(t *testing.T) {
	// Reference digests: hashlib.blake2b(domain.encode(), digest_size=16)
	tests := []struct {
		name     string
		kind     Kind
		email    string
		password string
		wantHex  string
	}{
		{"access key", KindAccess, "alice@example.com", "password123", "58bdc04baf1d97a4e5affb39917404fa"},
		{"encryption key", KindEncryption, "alice@example.com", "password123", "a719e91d279d92ac866259fed2abf123"},
		{"multibyte prefix", KindAccess, "bob@example.com", "pässwörd", "177832dfc825d2762b43249071881f10"},
		{"short password", KindAccess, "bob@example.com", "pw", "eb97ecdd6ca6fd7b8b7359a2cfc6fa5b"},
		{"surrogate pair kept whole", KindAccess, "bob@example.com", "ab😀cdefg", "09d2a50731d4a4267c436c6dfdec4344"},
		{"surrogate pair split", KindAccess, "bob@example.com", "abcde😀x", "06a4a4ac063a36d93734274d87094314"},
	}

	d, _ := newTestDeriver(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			salt, err := d.salt(tt.kind, tt.email, tt.password)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHex, hex.EncodeToString(salt))
		})
	}
}

func TestDomainString(t *testing.T) {
	assert.Equal(t, "passwoalice@example.comnovelai_data_access_key", domainString(KindAccess, "alice@example.com", "password123"))
	assert.Equal(t, "pwbob@example.comnovelai_data_encryption_key", domainString(KindEncryption, "bob@example.com", "pw"))
	assert.Equal(t, "pässwö", passwordPrefix("pässwörd"))
	assert.Equal(t, "", passwordPrefix(""))

	// Astral characters take two of the six UTF-16 units
	assert.Equal(t, "ab😀cd", passwordPrefix("ab😀cdefg"))
	assert.Equal(t, "😀😀😀", passwordPrefix("😀😀😀😀"))
	assert.Equal(t, "abcde\uFFFD", passwordPrefix("abcde😀x"))
}

func TestReady_SelfTestRunsOnce(t *testing.T) {
	p := &countingPrimitive{inner: NewPrimitive()}
	d, collector := newTestDeriver(p)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Ready(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&p.hashCalls))
	assert.Contains(t, metricsText(t, collector), "naikit_crypto_readiness_waits_total 20")
}

func TestReady_FailureSharedByAllWaiters(t *testing.T) {
	p := &countingPrimitive{inner: NewPrimitive(), hashErr: errors.New("blake2b unavailable")}
	d, _ := newTestDeriver(p)

	for i := 0; i < 3; i++ {
		err := d.Ready(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrCryptoInit))
		assert.Equal(t, apperrors.ErrCodeCryptoInit, apperrors.GetCode(err))
		assert.False(t, apperrors.IsRetryable(err))
	}

	_, err := d.DeriveAccessKey(context.Background(), "alice@example.com", "password123")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCryptoInit))
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.hashCalls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&p.idKeyCalls))
}

func TestReady_CancelledWaitDoesNotCancelInit(t *testing.T) {
	blocker := make(chan struct{})
	p := &countingPrimitive{inner: NewPrimitive(), hashBlocker: blocker}
	d, _ := newTestDeriver(p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Ready(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(blocker)
	require.NoError(t, d.Ready(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.hashCalls))
}

func TestDerive_MemoryFailureRetriedOnce(t *testing.T) {
	p := &countingPrimitive{inner: NewPrimitive(), failWith: ErrMemoryAllocation, failures: 1}
	d, collector := newTestDeriver(p)

	key, err := d.DeriveAccessKey(context.Background(), "alice@example.com", "password123")
	require.NoError(t, err)
	assert.Len(t, key, AccessKeyLength)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.idKeyCalls))
	assert.Contains(t, metricsText(t, collector), `naikit_retries_total{operation="derive_access"} 1`)
}

func TestDerive_MemoryFailureGivesUpAfterSecondAttempt(t *testing.T) {
	p := &countingPrimitive{inner: NewPrimitive(), failWith: ErrMemoryAllocation, failures: 10}
	d, collector := newTestDeriver(p)

	_, err := d.DeriveAccessKey(context.Background(), "alice@example.com", "password123")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMemoryAllocation))
	assert.Equal(t, apperrors.ErrCodeInternalError, apperrors.GetCode(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.idKeyCalls))

	attempts, ok := apperrors.GetContext(err, "attempts")
	require.True(t, ok)
	assert.Equal(t, 2, attempts)
	assert.Contains(t, metricsText(t, collector), `naikit_key_derivations_total{kind="access",result="error"} 1`)
}

func TestDerive_InvalidParametersNotRetried(t *testing.T) {
	p := &countingPrimitive{inner: NewPrimitive(), failWith: ErrInvalidParameters, failures: 10}
	d, _ := newTestDeriver(p)

	_, err := d.DeriveEncryptionKey(context.Background(), "alice@example.com", "password123")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidParameters))
	assert.Equal(t, apperrors.ErrCodeInternalError, apperrors.GetCode(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.idKeyCalls))
}

func TestDerive_RecordsMetrics(t *testing.T) {
	d, collector := newTestDeriver(nil)

	_, err := d.DeriveEncryptionKey(context.Background(), "alice@example.com", "password123")
	require.NoError(t, err)

	text := metricsText(t, collector)
	assert.Contains(t, text, `naikit_key_derivations_total{kind="encryption",result="ok"} 1`)
	assert.Contains(t, text, `naikit_key_derivation_duration_seconds_count{kind="encryption"} 1`)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "access", KindAccess.String())
	assert.Equal(t, "encryption", KindEncryption.String())
	assert.Equal(t, "unknown", Kind(7).String())
}

func metricsText(t *testing.T, c *metrics.Collector) string {
	t.Helper()
	var buf strings.Builder
	require.NoError(t, c.WriteText(&buf))
	return buf.String()
}
