// Package invite issues and validates the short codes diners use to join a
// group order.
package invite

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/joao-fontenele/grouporders/internal/domain"
)

// Alphabet omits I, L, O, 0 and 1 so codes survive being read aloud at a table.
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	DefaultLength = 8
	// MaxAttempts bounds collision retries before giving up.
	MaxAttempts = 5
)

type Authority struct {
	length int
	random io.Reader
}

type Option func(*Authority)

func WithLength(n int) Option {
	return func(a *Authority) {
		if n > 0 {
			a.length = n
		}
	}
}

// WithRandom replaces crypto/rand, mostly for tests that need collisions.
func WithRandom(r io.Reader) Option {
	return func(a *Authority) {
		a.random = r
	}
}

func NewAuthority(opts ...Option) *Authority {
	a := &Authority{
		length: DefaultLength,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Generate draws a fresh code, retrying while inUse reports a collision with a
// code that can still resolve.
func (a *Authority) Generate(inUse func(code string) bool) (string, error) {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		code, err := a.draw()
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrCodeGenerationFailed, err)
		}
		if inUse == nil || !inUse(code) {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: %d attempts collided", domain.ErrCodeGenerationFailed, MaxAttempts)
}

func (a *Authority) draw() (string, error) {
	base := big.NewInt(int64(len(Alphabet)))

	var b strings.Builder
	b.Grow(a.length)
	for i := 0; i < a.length; i++ {
		n, err := rand.Int(a.random, base)
		if err != nil {
			return "", err
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Validate is a format check only; it never consults the registry.
func (a *Authority) Validate(code string) bool {
	code = Normalize(code)
	if len(code) != a.length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// Normalize trims whitespace and upper-cases a code typed by a diner.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
