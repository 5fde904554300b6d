package crypto

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpSecretSize = 20

// totpOpts pins the RFC 6238 parameters: 30s step, 6 digits, window ±1.
var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTP handles time-based one-time password generation and validation.
type TOTP struct {
	issuer string
}

func NewTOTP(issuer string) *TOTP {
	return &TOTP{issuer: issuer}
}

// ProvisionResult carries everything the client needs to enroll.
type ProvisionResult struct {
	Secret    string // base32
	URL       string // otpauth:// URL
	QRDataURI string // inline PNG for display
}

// Provision generates a fresh secret and the QR the client scans.
func (t *TOTP) Provision(accountName string) (*ProvisionResult, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: accountName,
		SecretSize:  totpSecretSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}

	img, err := key.Image(200, 200)
	if err != nil {
		return nil, fmt.Errorf("failed to create qr code: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}

	return &ProvisionResult{
		Secret:    key.Secret(),
		URL:       key.URL(),
		QRDataURI: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// Validate checks a code against the secret, allowing one period of clock
// drift in either direction.
func (t *TOTP) Validate(code, secret string) bool {
	return t.ValidateAt(code, secret, time.Now())
}

// ValidateAt is Validate with an explicit reference time, for tests.
func (t *TOTP) ValidateAt(code, secret string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totpOpts)
	return err == nil && ok
}

// GenerateCode produces the current code for a secret (dev and test helper).
func (t *TOTP) GenerateCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, totpOpts)
}
