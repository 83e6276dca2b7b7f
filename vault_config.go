package cryptovault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// VaultConfig is the payload of the signed vault.cryptomator token
type VaultConfig struct {
	Format              int
	ShorteningThreshold int
	JTI                 string
	CipherCombo         string
}

// NewVaultConfig returns a format 8 config with a random token ID
func NewVaultConfig(shorteningThreshold int) VaultConfig {
	return VaultConfig{
		Format:              VaultFormat,
		ShorteningThreshold: shorteningThreshold,
		JTI:                 uuid.NewString(),
		CipherCombo:         CipherCombo,
	}
}

type vaultClaims struct {
	Format              int    `json:"format"`
	ShorteningThreshold int    `json:"shorteningThreshold"`
	CipherCombo         string `json:"cipherCombo"`
	jwt.RegisteredClaims
}

// SignVaultConfig produces the HS256 token, keyed with encKey||macKey
func SignVaultConfig(cfg VaultConfig, keys *MasterKeySet) (string, error) {
	claims := vaultClaims{
		Format:              cfg.Format,
		ShorteningThreshold: cfg.ShorteningThreshold,
		CipherCombo:         cfg.CipherCombo,
		RegisteredClaims:    jwt.RegisteredClaims{ID: cfg.JTI},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = configKeyID

	key := keys.rawKey()
	defer zero(key)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign vault config: %w", err)
	}
	return signed, nil
}

// VerifyVaultConfig checks the token signature and returns the config.
// Any verification failure is an InvalidSignatureError{TargetVault}.
func VerifyVaultConfig(token string, keys *MasterKeySet) (VaultConfig, error) {
	key := keys.rawKey()
	defer zero(key)

	var claims vaultClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return VaultConfig{}, newSignatureError(TargetVault, "", -1, err)
	}

	cfg := VaultConfig{
		Format:              claims.Format,
		ShorteningThreshold: claims.ShorteningThreshold,
		JTI:                 claims.ID,
		CipherCombo:         claims.CipherCombo,
	}
	if cfg.Format != VaultFormat || cfg.CipherCombo != CipherCombo {
		return VaultConfig{}, fmt.Errorf("%w: format %d, cipher combo %q", ErrUnsupportedFormat, cfg.Format, cfg.CipherCombo)
	}
	if cfg.ShorteningThreshold <= 0 {
		return VaultConfig{}, NewValidationError("shortening_threshold", cfg.ShorteningThreshold, "must be positive")
	}
	return cfg, nil
}

// ConfigKeyID reads the unverified "kid" header, which names the master key
// file as "masterkeyfile:<relative path>".
func ConfigKeyID(token string) (scheme, ref string, err error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &vaultClaims{})
	if err != nil {
		return "", "", fmt.Errorf("failed to parse vault config: %w", err)
	}
	kid, _ := parsed.Header["kid"].(string)
	scheme, ref, ok := strings.Cut(kid, ":")
	if !ok || ref == "" {
		return "", "", errors.New("vault config has no usable key ID")
	}
	return scheme, ref, nil
}
