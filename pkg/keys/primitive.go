package keys

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrMemoryAllocation is returned when the primitive could not obtain its working memory
	ErrMemoryAllocation = errors.New("argon2id memory allocation failed")
	// ErrInvalidParameters is returned for parameters the primitive rejects outright
	ErrInvalidParameters = errors.New("invalid key derivation parameters")
)

// Primitive is the hashing backend: keyless BLAKE2b and Argon2id v1.3.
type Primitive interface {
	Hash(outLen int, msg []byte) ([]byte, error)
	IDKey(password, salt []byte, opsLimit uint32, memLimitBytes uint64, keyLen uint32) ([]byte, error)
}

const (
	saltBytes        = 16
	minKeyBytes      = 16
	minMemLimit      = 8192
	argon2Threads    = 1
	bytesPerKibibyte = 1024
)

type sodiumPrimitive struct{}

// NewPrimitive returns the x/crypto backed implementation. Memory limits are
// given in bytes and rounded down to KiB the way libsodium does.
func NewPrimitive() Primitive {
	return sodiumPrimitive{}
}

func (sodiumPrimitive) Hash(outLen int, msg []byte) ([]byte, error) {
	h, err := blake2b.New(outLen, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	h.Write(msg)
	return h.Sum(nil), nil
}

func (sodiumPrimitive) IDKey(password, salt []byte, opsLimit uint32, memLimitBytes uint64, keyLen uint32) (key []byte, err error) {
	switch {
	case len(salt) != saltBytes:
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", ErrInvalidParameters, saltBytes, len(salt))
	case opsLimit < 1:
		return nil, fmt.Errorf("%w: opslimit must be at least 1", ErrInvalidParameters)
	case memLimitBytes < minMemLimit:
		return nil, fmt.Errorf("%w: memlimit must be at least %d bytes", ErrInvalidParameters, minMemLimit)
	case memLimitBytes/bytesPerKibibyte > uint64(^uint32(0)):
		return nil, fmt.Errorf("%w: memlimit too large", ErrInvalidParameters)
	case keyLen < minKeyBytes:
		return nil, fmt.Errorf("%w: output must be at least %d bytes", ErrInvalidParameters, minKeyBytes)
	}

	// A panic inside argon2 is reported as an allocation failure. Exhausting
	// the heap is a fatal runtime error and never reaches this recover, so in
	// practice ErrMemoryAllocation comes from other Primitive implementations.
	defer func() {
		if r := recover(); r != nil {
			key = nil
			err = fmt.Errorf("%w: %v", ErrMemoryAllocation, r)
		}
	}()

	memKiB := uint32(memLimitBytes / bytesPerKibibyte)
	return argon2.IDKey(password, salt, opsLimit, memKiB, argon2Threads, keyLen), nil
}
