package cryptovault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const testCost, testBlock = 1024, 8

func testKeys(t testing.TB) *MasterKeySet {
	t.Helper()
	keys, err := NewMasterKeySet(DefaultCryptoProvider())
	if err != nil {
		t.Fatalf("NewMasterKeySet failed: %v", err)
	}
	return keys
}

func TestMasterKey_WrapUnwrap(t *testing.T) {
	ctx := context.Background()
	p := DefaultCryptoProvider()
	keys := testKeys(t)

	mk, err := WrapMasterKey(ctx, p, keys, "p@ss", testCost, testBlock)
	if err != nil {
		t.Fatalf("WrapMasterKey failed: %v", err)
	}
	if mk.Version != MasterKeyVersion {
		t.Errorf("Version = %d, want %d", mk.Version, MasterKeyVersion)
	}
	if len(mk.ScryptSalt) != ScryptSaltSize {
		t.Errorf("salt length = %d, want %d", len(mk.ScryptSalt), ScryptSaltSize)
	}

	data, err := mk.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	parsed, err := ParseMasterKeyFile(data)
	if err != nil {
		t.Fatalf("ParseMasterKeyFile failed: %v", err)
	}

	got, err := UnwrapMasterKey(ctx, p, parsed, "p@ss")
	if err != nil {
		t.Fatalf("UnwrapMasterKey failed: %v", err)
	}
	if !bytes.Equal(got.EncKey, keys.EncKey) || !bytes.Equal(got.MacKey, keys.MacKey) {
		t.Error("Unwrapped keys don't match the original keys")
	}
}

func TestMasterKey_FileLayout(t *testing.T) {
	mk, err := WrapMasterKey(context.Background(), DefaultCryptoProvider(), testKeys(t), "pw", testCost, testBlock)
	if err != nil {
		t.Fatalf("WrapMasterKey failed: %v", err)
	}
	data, err := mk.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("master key file is not JSON: %v", err)
	}
	for _, field := range []string{"version", "scryptSalt", "scryptCostParam", "scryptBlockSize", "primaryMasterKey", "hmacMasterKey", "versionMac"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("master key file is missing %q", field)
		}
	}
	// 32-byte keys wrap to 40 bytes, which is 56 characters of base64
	if s, _ := raw["primaryMasterKey"].(string); len(s) != 56 {
		t.Errorf("primaryMasterKey = %q, want 56 base64 characters", s)
	}
}

func TestMasterKey_WrongPassword(t *testing.T) {
	ctx := context.Background()
	p := DefaultCryptoProvider()
	mk, err := WrapMasterKey(ctx, p, testKeys(t), "right", testCost, testBlock)
	if err != nil {
		t.Fatalf("WrapMasterKey failed: %v", err)
	}

	_, err = UnwrapMasterKey(ctx, p, mk, "wrong")
	if !IsDecryptionError(err, TargetVault) {
		t.Fatalf("error = %v, want DecryptionError for the vault", err)
	}
	if !IsWrongPassword(err) {
		t.Error("IsWrongPassword should report a failed unwrap")
	}
}

func TestMasterKey_VersionMac(t *testing.T) {
	ctx := context.Background()
	p := DefaultCryptoProvider()
	mk, err := WrapMasterKey(ctx, p, testKeys(t), "pw", testCost, testBlock)
	if err != nil {
		t.Fatalf("WrapMasterKey failed: %v", err)
	}

	mk.Version = 7
	_, err = UnwrapMasterKey(ctx, p, mk, "pw")
	if !IsInvalidSignatureError(err, TargetVault) {
		t.Errorf("error = %v, want InvalidSignatureError for the vault", err)
	}
}

func TestParseMasterKeyFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not JSON", data: "masterkey"},
		{name: "missing keys", data: `{"version":999,"scryptSalt":"AAAA","scryptCostParam":1024,"scryptBlockSize":8}`},
		{name: "bad cost", data: `{"version":999,"scryptSalt":"AAAA","scryptCostParam":1000,"scryptBlockSize":8,"primaryMasterKey":"AAAA","hmacMasterKey":"AAAA"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMasterKeyFile([]byte(tt.data)); err == nil {
				t.Error("ParseMasterKeyFile should fail")
			}
		})
	}
}

func TestDeriveKEK_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DefaultCryptoProvider().DeriveKEK(ctx, []byte("pw"), []byte("salt"), testCost, testBlock)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("DeriveKEK error = %v, want context.Canceled", err)
	}
}

func TestVaultConfig_SignVerify(t *testing.T) {
	keys := testKeys(t)
	cfg := NewVaultConfig(DefaultShorteningThreshold)

	token, err := SignVaultConfig(cfg, keys)
	if err != nil {
		t.Fatalf("SignVaultConfig failed: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Fatalf("token %q is not a compact JWT", token)
	}

	scheme, ref, err := ConfigKeyID(token)
	if err != nil {
		t.Fatalf("ConfigKeyID failed: %v", err)
	}
	if scheme != "masterkeyfile" || ref != MasterKeyFileName {
		t.Errorf("key ID = %s:%s, want masterkeyfile:%s", scheme, ref, MasterKeyFileName)
	}

	got, err := VerifyVaultConfig(token, keys)
	if err != nil {
		t.Fatalf("VerifyVaultConfig failed: %v", err)
	}
	if got != cfg {
		t.Errorf("VerifyVaultConfig = %+v, want %+v", got, cfg)
	}
}

func TestVaultConfig_Tampered(t *testing.T) {
	keys := testKeys(t)
	token, err := SignVaultConfig(NewVaultConfig(DefaultShorteningThreshold), keys)
	if err != nil {
		t.Fatalf("SignVaultConfig failed: %v", err)
	}

	parts := strings.Split(token, ".")
	tests := []struct {
		name  string
		token string
		keys  *MasterKeySet
	}{
		{name: "other keys", token: token, keys: testKeys(t)},
		{name: "swapped payload", token: parts[0] + ".eyJmb3JtYXQiOjksInNob3J0ZW5pbmdUaHJlc2hvbGQiOjIyMH0." + parts[2], keys: keys},
		{name: "truncated signature", token: token[:len(token)-4], keys: keys},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VerifyVaultConfig(tt.token, tt.keys)
			if !IsInvalidSignatureError(err, TargetVault) {
				t.Errorf("error = %v, want InvalidSignatureError for the vault", err)
			}
		})
	}
}

func TestVaultConfig_KeyOrder(t *testing.T) {
	keys := testKeys(t)
	token, err := SignVaultConfig(NewVaultConfig(DefaultShorteningThreshold), keys)
	if err != nil {
		t.Fatalf("SignVaultConfig failed: %v", err)
	}

	swapped := &MasterKeySet{EncKey: keys.MacKey, MacKey: keys.EncKey}
	if _, err := VerifyVaultConfig(token, swapped); err == nil {
		t.Error("token must be bound to encKey followed by macKey")
	}
}

// kekRecorder keeps every key-encryption key it hands out
type kekRecorder struct {
	*StdCryptoProvider
	keks [][]byte
}

func (r *kekRecorder) DeriveKEK(ctx context.Context, password, salt []byte, costParam, blockSize int) ([]byte, error) {
	kek, err := r.StdCryptoProvider.DeriveKEK(ctx, password, salt, costParam, blockSize)
	if err == nil {
		r.keks = append(r.keks, kek)
	}
	return kek, err
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func TestMasterKey_KEKWiped(t *testing.T) {
	ctx := context.Background()
	p := &kekRecorder{StdCryptoProvider: NewCryptoProvider(nil, nil)}
	keys := testKeys(t)

	mk, err := WrapMasterKey(ctx, p, keys, "p@ss", testCost, testBlock)
	if err != nil {
		t.Fatalf("WrapMasterKey failed: %v", err)
	}
	unwrapped, err := UnwrapMasterKey(ctx, p, mk, "p@ss")
	if err != nil {
		t.Fatalf("UnwrapMasterKey failed: %v", err)
	}
	defer unwrapped.Destroy()
	if _, err := UnwrapMasterKey(ctx, p, mk, "wrong"); err == nil {
		t.Fatal("UnwrapMasterKey with wrong password should fail")
	}

	if len(p.keks) != 3 {
		t.Fatalf("recorded %d KEKs, want 3", len(p.keks))
	}
	for i, kek := range p.keks {
		if len(kek) != KeySize {
			t.Errorf("KEK %d has length %d, want %d", i, len(kek), KeySize)
		}
		if !allZero(kek) {
			t.Errorf("KEK %d was not wiped", i)
		}
	}
}

func TestDestroy_WipesKeys(t *testing.T) {
	keys := testKeys(t)
	enc, mac := keys.EncKey, keys.MacKey
	keys.Destroy()
	if !allZero(enc) || !allZero(mac) {
		t.Error("MasterKeySet.Destroy left key material")
	}
	var nilKeys *MasterKeySet
	nilKeys.Destroy()

	h, err := testContentCipher(t, 1).NewHeader()
	if err != nil {
		t.Fatalf("NewHeader failed: %v", err)
	}
	contentKey := h.ContentKey
	if allZero(contentKey) {
		t.Fatal("fresh content key is all zeros")
	}
	h.Destroy()
	if !allZero(contentKey) {
		t.Error("FileHeader.Destroy left key material")
	}
}
