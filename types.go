package cryptovault

import (
	"runtime"

	"go.uber.org/zap"
)

// On-disk names and sizes of vault format 8.
const (
	// VaultFormat is the only supported vault format version
	VaultFormat = 8

	// CipherCombo identifies AES-SIV names with AES-CTR + HMAC content
	CipherCombo = "SIV_CTRMAC"

	// DefaultShorteningThreshold is the maximum length of a .c9r entry name
	DefaultShorteningThreshold = 220

	// MasterKeyVersion is stored in masterkey.cryptomator and authenticated by versionMac
	MasterKeyVersion = 999

	DefaultScryptCostParam = 32 * 1024
	DefaultScryptBlockSize = 8
	ScryptSaltSize         = 32

	// KeySize is the size of every raw AES or HMAC key used by the vault
	KeySize = 32

	ConfigFileName    = "vault.cryptomator"
	MasterKeyFileName = "masterkey.cryptomator"
	DataDirName       = "d"

	RegularSuffix   = ".c9r"
	ShortenedSuffix = ".c9s"
	NameFile        = "name.c9s"
	ContentsFile    = "contents.c9r"
	DirFile         = "dir.c9r"
	SymlinkFile     = "symlink.c9r"
	DirIDBackupFile = "dirid.c9r"

	configKeyID = "masterkeyfile:" + MasterKeyFileName
)

// DirID identifies a logical directory. The root directory has the empty ID.
type DirID string

// RootDirID is the DirID of the vault root
const RootDirID DirID = ""

// MasterKeySet holds the two raw master keys of an open vault.
type MasterKeySet struct {
	EncKey []byte
	MacKey []byte
}

// Destroy overwrites both keys.
func (k *MasterKeySet) Destroy() {
	if k == nil {
		return
	}
	zero(k.EncKey)
	zero(k.MacKey)
}

// sivKey returns macKey||encKey, the AES-SIV key (S2V half first).
func (k *MasterKeySet) sivKey() []byte {
	buf := make([]byte, 0, 2*KeySize)
	buf = append(buf, k.MacKey...)
	return append(buf, k.EncKey...)
}

// rawKey returns encKey||macKey, the signing key of the vault config token.
func (k *MasterKeySet) rawKey() []byte {
	buf := make([]byte, 0, 2*KeySize)
	buf = append(buf, k.EncKey...)
	return append(buf, k.MacKey...)
}

// zero overwrites a sensitive buffer.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// options holds the settings shared by Create and Open.
type options struct {
	logger              *zap.Logger
	crypto              CryptoProvider
	concurrency         int
	shorteningThreshold int
	scryptCostParam     int
	scryptBlockSize     int
	masterKeyPath       string
	configPath          string
}

func defaultOptions() options {
	return options{
		logger:              zap.NewNop(),
		crypto:              DefaultCryptoProvider(),
		concurrency:         runtime.NumCPU(),
		shorteningThreshold: DefaultShorteningThreshold,
		scryptCostParam:     DefaultScryptCostParam,
		scryptBlockSize:     DefaultScryptBlockSize,
	}
}

// Option configures a Vault
type Option func(*options)

// WithLogger sets a logger for vault operations
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithCryptoProvider replaces the cryptographic primitives
func WithCryptoProvider(p CryptoProvider) Option {
	return func(o *options) {
		o.crypto = p
	}
}

// WithConcurrency bounds the number of goroutines used for name decryption,
// chunk processing and removals
func WithConcurrency(n int) Option {
	return func(o *options) {
		o.concurrency = n
	}
}

// WithShorteningThreshold sets the threshold written into a new vault's config.
// Opened vaults always use the threshold from their config.
func WithShorteningThreshold(n int) Option {
	return func(o *options) {
		o.shorteningThreshold = n
	}
}

// WithScryptParams sets the KDF cost for newly wrapped master keys
func WithScryptParams(costParam, blockSize int) Option {
	return func(o *options) {
		o.scryptCostParam = costParam
		o.scryptBlockSize = blockSize
	}
}

// WithMasterKeyPath overrides the location of masterkey.cryptomator
func WithMasterKeyPath(p string) Option {
	return func(o *options) {
		o.masterKeyPath = p
	}
}

// WithConfigPath overrides the location of vault.cryptomator
func WithConfigPath(p string) Option {
	return func(o *options) {
		o.configPath = p
	}
}

func (o *options) validate() error {
	if o.logger == nil {
		return ErrNilLogger
	}
	if o.crypto == nil {
		return ErrNilCryptoProvider
	}
	if err := ValidateRange(o.concurrency, "concurrency", 1, 1024); err != nil {
		return err
	}
	// the shortest possible .c9r name is a 16-byte SIV tag in base64 plus the suffix
	if err := ValidateRange(o.shorteningThreshold, "shortening_threshold", 28, 0); err != nil {
		return err
	}
	if err := ValidateScryptParams(o.scryptCostParam, o.scryptBlockSize); err != nil {
		return err
	}
	return nil
}
