package service

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"landlink/pkg/storage"
)

// GenerateToken returns a random version 4 UUID, 122 bits of entropy.
func GenerateToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func ValidateToken(token string) bool {
	return storage.ValidToken(token)
}

// CodeGenerator produces one-time passcodes.
type CodeGenerator interface {
	Generate() (string, error)
}

// RandomCodeGenerator draws uniformly distributed numeric codes from crypto/rand.
type RandomCodeGenerator struct {
	Digits int
}

func (g RandomCodeGenerator) Generate() (string, error) {
	digits := g.Digits
	if digits <= 0 {
		digits = 6
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// FixedCodeGenerator always returns the same code. Only for OTP test mode.
type FixedCodeGenerator string

func (g FixedCodeGenerator) Generate() (string, error) {
	return string(g), nil
}
