// Package imagesize maps an arbitrary requested resolution onto one the
// generation endpoint accepts: both sides multiples of 64 and at most
// 1024*1024 pixels, keeping the aspect ratio as close as the grid allows.
package imagesize

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"naikit/internal/constants"
	apperrors "naikit/internal/errors"
)

// Multiple is the grid both output dimensions snap to
const Multiple = 64

// Sides used by the two fitting passes
const (
	smallSide = 512
	largeSide = 1024
)

// Inputs beyond this are treated as this; keeps the float to int conversion defined.
const maxFinite = float64(math.MaxInt32)

// Strategy names the pass that produced a fitted size
type Strategy string

const (
	StrategyAsIs      Strategy = "as_is"
	StrategyFixed512  Strategy = "fixed_512"
	StrategyFixed1024 Strategy = "fixed_1024"
)

// Size is a width and height in pixels
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns Width*Height
func (s Size) Area() int64 {
	return int64(s.Width) * int64(s.Height)
}

// Valid reports whether the endpoint would accept s as is
func (s Size) Valid() bool {
	if s.Width <= 0 || s.Height <= 0 {
		return false
	}
	if s.Width%Multiple != 0 || s.Height%Multiple != 0 {
		return false
	}
	if s.Width > constants.MaxOutputSize || s.Height > constants.MaxOutputSize {
		return false
	}
	return s.Area() <= constants.MaxOutputSize
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ParseSize reads "WIDTHxHEIGHT"
func ParseSize(raw string) (Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), "x")
	if !ok {
		return Size{}, apperrors.NewInvalidInputError("size", fmt.Sprintf("expected WIDTHxHEIGHT, got %q", raw))
	}

	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return Size{}, apperrors.NewInvalidInputError("size", fmt.Sprintf("invalid width %q", w))
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return Size{}, apperrors.NewInvalidInputError("size", fmt.Sprintf("invalid height %q", h))
	}
	return Size{Width: width, Height: height}, nil
}

// Fit returns the accepted size closest to requested
func Fit(requested Size) Size {
	size, _ := FitWithStrategy(requested)
	return size
}

// FitWithStrategy is Fit that also reports which pass produced the result.
//
// A valid request is returned untouched. Otherwise the shorter side of a
// landscape request (or the width of a portrait or square one) is fixed at
// 512 and the other side follows the aspect ratio. If that overshoots the
// pixel ceiling, the longer side is fixed at 1024 instead.
func FitWithStrategy(requested Size) (Size, Strategy) {
	if requested.Valid() {
		return requested, StrategyAsIs
	}

	ratio := float64(requested.Width) / float64(requested.Height)

	var candidate Size
	if ratio > 1 {
		candidate = Size{Width: ClosestMultiple(smallSide*ratio, Multiple), Height: smallSide}
	} else {
		candidate = Size{Width: smallSide, Height: ClosestMultiple(smallSide/ratio, Multiple)}
	}
	candidate = positive(candidate)
	if candidate.Valid() {
		return candidate, StrategyFixed512
	}

	if ratio > 1 {
		candidate = Size{Width: largeSide, Height: ClosestMultiple(largeSide/ratio, Multiple)}
	} else {
		candidate = Size{Width: ClosestMultiple(largeSide*ratio, Multiple), Height: largeSide}
	}
	return positive(candidate), StrategyFixed1024
}

// ClosestMultiple rounds value to the nearest multiple of mult, ties going
// down. NaN yields 0. Any other result that is not positive becomes mult.
func ClosestMultiple(value float64, mult int) int {
	if math.IsNaN(value) {
		return 0
	}
	if mult <= 0 {
		mult = Multiple
	}

	value = math.Max(-maxFinite, math.Min(maxFinite, value))
	m := float64(mult)
	floor := math.Floor(value/m) * m
	ceil := math.Ceil(value/m) * m

	closest := floor
	if ceil-value < value-floor {
		closest = ceil
	}
	if closest <= 0 {
		return mult
	}
	return int(closest)
}

// A NaN ratio leaves one side at 0; the grid minimum replaces it.
func positive(s Size) Size {
	if s.Width <= 0 {
		s.Width = Multiple
	}
	if s.Height <= 0 {
		s.Height = Multiple
	}
	return s
}
