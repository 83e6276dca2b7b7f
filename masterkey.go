package cryptovault

import (
	"context"
	"crypto/hmac"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MasterKeyFile is the JSON document stored in masterkey.cryptomator.
// Byte fields are standard base64 on disk.
type MasterKeyFile struct {
	Version          int    `json:"version"`
	ScryptSalt       []byte `json:"scryptSalt"`
	ScryptCostParam  int    `json:"scryptCostParam"`
	ScryptBlockSize  int    `json:"scryptBlockSize"`
	PrimaryMasterKey []byte `json:"primaryMasterKey"`
	HmacMasterKey    []byte `json:"hmacMasterKey"`
	VersionMac       []byte `json:"versionMac"`
}

// ParseMasterKeyFile decodes masterkey.cryptomator
func ParseMasterKeyFile(data []byte) (*MasterKeyFile, error) {
	var mk MasterKeyFile
	if err := json.Unmarshal(data, &mk); err != nil {
		return nil, fmt.Errorf("failed to decode master key file: %w", err)
	}
	if len(mk.ScryptSalt) == 0 || len(mk.PrimaryMasterKey) == 0 || len(mk.HmacMasterKey) == 0 {
		return nil, fmt.Errorf("%w: master key file is missing fields", ErrMalformedEntry)
	}
	if err := ValidateScryptParams(mk.ScryptCostParam, mk.ScryptBlockSize); err != nil {
		return nil, err
	}
	return &mk, nil
}

// Marshal encodes the file the way it is written to disk
func (mk *MasterKeyFile) Marshal() ([]byte, error) {
	return json.MarshalIndent(mk, "", "  ")
}

// NewMasterKeySet generates a random encryption and MAC key
func NewMasterKeySet(p CryptoProvider) (*MasterKeySet, error) {
	enc, err := randomBytes(p, KeySize)
	if err != nil {
		return nil, err
	}
	mac, err := randomBytes(p, KeySize)
	if err != nil {
		zero(enc)
		return nil, err
	}
	return &MasterKeySet{EncKey: enc, MacKey: mac}, nil
}

// WrapMasterKey protects keys under a KEK derived from password with a
// fresh salt and returns the persistable master key file.
func WrapMasterKey(ctx context.Context, p CryptoProvider, keys *MasterKeySet, password string, costParam, blockSize int) (*MasterKeyFile, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if err := ValidateScryptParams(costParam, blockSize); err != nil {
		return nil, err
	}

	salt, err := randomBytes(p, ScryptSaltSize)
	if err != nil {
		return nil, err
	}

	pw := []byte(password)
	defer zero(pw)
	kek, err := p.DeriveKEK(ctx, pw, salt, costParam, blockSize)
	if err != nil {
		return nil, err
	}
	defer zero(kek)

	wrappedEnc, err := p.WrapKey(kek, keys.EncKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap encryption key: %w", err)
	}
	wrappedMac, err := p.WrapKey(kek, keys.MacKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap MAC key: %w", err)
	}

	return &MasterKeyFile{
		Version:          MasterKeyVersion,
		ScryptSalt:       salt,
		ScryptCostParam:  costParam,
		ScryptBlockSize:  blockSize,
		PrimaryMasterKey: wrappedEnc,
		HmacMasterKey:    wrappedMac,
		VersionMac:       versionMac(p, keys.MacKey, MasterKeyVersion),
	}, nil
}

// UnwrapMasterKey recovers the master keys. A failed unwrap is reported as
// DecryptionError{TargetVault}; a bad version MAC as
// InvalidSignatureError{TargetVault}.
func UnwrapMasterKey(ctx context.Context, p CryptoProvider, mk *MasterKeyFile, password string) (*MasterKeySet, error) {
	pw := []byte(password)
	defer zero(pw)
	kek, err := p.DeriveKEK(ctx, pw, mk.ScryptSalt, mk.ScryptCostParam, mk.ScryptBlockSize)
	if err != nil {
		return nil, err
	}
	defer zero(kek)

	enc, err := p.UnwrapKey(kek, mk.PrimaryMasterKey)
	if err != nil {
		return nil, newDecryptionError(TargetVault, "", err)
	}
	mac, err := p.UnwrapKey(kek, mk.HmacMasterKey)
	if err != nil {
		zero(enc)
		return nil, newDecryptionError(TargetVault, "", err)
	}
	keys := &MasterKeySet{EncKey: enc, MacKey: mac}
	if len(enc) != KeySize || len(mac) != KeySize {
		keys.Destroy()
		return nil, newDecryptionError(TargetVault, "", ErrInvalidKey)
	}

	if !hmac.Equal(mk.VersionMac, versionMac(p, mac, mk.Version)) {
		keys.Destroy()
		return nil, newSignatureError(TargetVault, "", -1, ErrAuthFailed)
	}
	return keys, nil
}

// versionMac authenticates the master key file version as a big-endian int32
func versionMac(p CryptoProvider, macKey []byte, version int) []byte {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(version))
	m := p.NewMAC(macKey)
	m.Write(v[:])
	return m.Sum(nil)
}
