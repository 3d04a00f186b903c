package twofa

import (
	"log/slog"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// TotpIssuer is the issuer name embedded in provisioning URIs
	TotpIssuer = "securecore"

	totpPeriod = 30
	totpSkew   = 1
)

// TotpVerifier is the second-factor algorithm boundary. The production
// implementation wraps pquerna/otp; tests substitute a stub.
type TotpVerifier interface {
	// GenerateSecret creates a new shared secret and the otpauth provisioning
	// URI for the given account.
	GenerateSecret(accountName string) (secret string, provisioningURI string, err error)
	// Verify checks a presented code against the shared secret.
	Verify(code, secret string) bool
}

// PquernaTotpVerifier implements TotpVerifier using github.com/pquerna/otp
// with standard authenticator-app parameters (30s period, 6 digits, SHA-1).
type PquernaTotpVerifier struct{}

// NewTotpVerifier creates the default TOTP verifier
func NewTotpVerifier() *PquernaTotpVerifier {
	return &PquernaTotpVerifier{}
}

// GenerateSecret creates a new TOTP secret for the account
func (v *PquernaTotpVerifier) GenerateSecret(accountName string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      TotpIssuer,
		AccountName: accountName,
	})
	if err != nil {
		slog.Error("Failed to generate totp secret", "accountName", accountName, "issuer", TotpIssuer, "error", err)
		return "", "", err
	}
	slog.Info("Generated new totp secret", "accountName", accountName)
	return key.Secret(), key.URL(), nil
}

// Verify checks a passcode against the secret
func (v *PquernaTotpVerifier) Verify(code, secret string) bool {
	valid, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		slog.Error("Failed to validate totp passcode", "error", err)
		return false
	}
	return valid
}
