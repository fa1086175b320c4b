package share

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"math/rand/v2"
	"sync"
)

// CodeAlphabet is the 62-symbol alphabet share codes are drawn from
const CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const (
	DefaultCodeLength      = 8
	DefaultMaxCodeAttempts = 10
)

// CodeGenerator draws random codes that are not yet known to the store
type CodeGenerator struct {
	checker     CodeChecker
	length      int
	maxAttempts int

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewCodeGenerator creates a generator. A nil source means a ChaCha8 source
// seeded from crypto/rand.
func NewCodeGenerator(checker CodeChecker, length, maxAttempts int, src rand.Source) *CodeGenerator {
	if length <= 0 {
		length = DefaultCodeLength
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxCodeAttempts
	}
	if src == nil {
		src = newSecureSource()
	}

	return &CodeGenerator{
		checker:     checker,
		length:      length,
		maxAttempts: maxAttempts,
		rnd:         rand.New(src),
	}
}

// Length returns the configured code length
func (g *CodeGenerator) Length() int {
	return g.length
}

// Generate returns a code absent from the store, or ErrCodeSpaceExhausted
// after maxAttempts collisions
func (g *CodeGenerator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		code := g.draw()

		exists, err := g.checker.ExistsByCode(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check code existence: %w", err)
		}
		if !exists {
			return code, nil
		}
	}

	return "", ErrCodeSpaceExhausted
}

func (g *CodeGenerator) draw() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := make([]byte, g.length)
	for i := range b {
		b[i] = CodeAlphabet[g.rnd.IntN(len(CodeAlphabet))]
	}
	return string(b)
}

func newSecureSource() rand.Source {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("share: failed to seed code generator: %v", err))
	}
	return rand.NewChaCha8(seed)
}
