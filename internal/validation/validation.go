package validation

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"naikit/internal/errors"
)

// Bounds for caller supplied generation settings
const (
	MaxPromptLength = 4000
	MaxEmailLength  = 254
	MinSteps        = 1
	MaxSteps        = 50
	MaxScale        = 50.0
	MaxTimeoutSec   = 3600
)

// ValidateEmail checks that email is a bare address. The address is part of
// the key derivation input, so display names and surrounding space are rejected
// rather than stripped.
func ValidateEmail(email string) error {
	if email == "" {
		return errors.New(errors.ErrCodeInvalidInput, "email cannot be empty")
	}

	if len(email) > MaxEmailLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("email too long (max %d characters)", MaxEmailLength))
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return errors.New(errors.ErrCodeInvalidInput, "email is not a valid address")
	}

	return nil
}

// ValidatePassword rejects empty passwords and passwords with NUL bytes
func ValidatePassword(password string) error {
	if password == "" {
		return errors.New(errors.ErrCodeInvalidInput, "password cannot be empty")
	}
	if strings.ContainsRune(password, 0) {
		return errors.New(errors.ErrCodeInvalidInput, "password contains invalid characters")
	}
	if !utf8.ValidString(password) {
		return errors.New(errors.ErrCodeInvalidInput, "password must be valid UTF-8")
	}
	return nil
}

// ValidatePrompt validates prompt text length and content
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return errors.New(errors.ErrCodeInvalidInput, "prompt cannot be empty")
	}

	if utf8.RuneCountInString(prompt) > MaxPromptLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("prompt too long (max %d characters)", MaxPromptLength))
	}

	// Check for control characters that could cause issues
	for _, char := range prompt {
		if unicode.IsControl(char) && char != '\n' && char != '\t' {
			return errors.New(errors.ErrCodeInvalidInput, "prompt contains control characters")
		}
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateFraction validates a value within (0, 1], or [0, 1] when allowZero is set
func ValidateFraction(value float64, fieldName string, allowZero bool) error {
	if value < 0 || (!allowZero && value == 0) {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be positive", fieldName))
	}

	if value > 1 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must not exceed 1", fieldName))
	}

	return nil
}

// ValidateScale validates the guidance scale
func ValidateScale(scale float64) error {
	if scale <= 0 || scale > MaxScale {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("scale must be within (0, %v]", MaxScale))
	}
	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at least 1 second", fieldName))
	}

	if timeoutSec > MaxTimeoutSec {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d seconds)", fieldName, MaxTimeoutSec))
	}

	return nil
}
