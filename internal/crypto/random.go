package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// GenerateSecureToken creates a random URL-safe string for reference tokens.
func GenerateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand failed: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// recovery code shape: four groups of 8 uppercase hex characters.
const (
	recoveryCodeGroups    = 4
	recoveryCodeGroupSize = 8
)

// GenerateRecoveryCode returns a single code of the form
// XXXXXXXX-XXXXXXXX-XXXXXXXX-XXXXXXXX (uppercase hex).
func GenerateRecoveryCode() (string, error) {
	groups := make([]string, recoveryCodeGroups)
	for i := range groups {
		b := make([]byte, recoveryCodeGroupSize/2)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("crypto/rand failed: %w", err)
		}
		groups[i] = strings.ToUpper(hex.EncodeToString(b))
	}
	return strings.Join(groups, "-"), nil
}

// GenerateRecoveryCodes returns count codes. Caller is responsible for
// hashing them before storage.
func GenerateRecoveryCodes(count int) ([]string, error) {
	codes := make([]string, count)
	for i := range codes {
		code, err := GenerateRecoveryCode()
		if err != nil {
			return nil, err
		}
		codes[i] = code
	}
	return codes, nil
}

// GenerateNumericCode returns a zero-padded numeric code of the given number
// of digits, for SMS device verification.
func GenerateNumericCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("crypto/rand failed: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
