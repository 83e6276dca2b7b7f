package cryptovault

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// CreateOptions controls vault creation
type CreateOptions struct {
	// Name, when set, creates the vault in a new subdirectory of root with
	// this name instead of directly in root.
	Name string
}

// Vault is an open vault. All methods except Close are safe for concurrent
// use; no method holds a lock on the backend across calls.
type Vault struct {
	backend     Backend
	root        string
	name        string
	config      VaultConfig
	keys        *MasterKeySet
	crypto      CryptoProvider
	codec       *PathCodec
	content     *ContentCipher
	logger      *zap.Logger
	concurrency int
	rootItem    *Item
	closed      atomic.Bool
}

// Create initializes a new vault with fresh master keys: it writes
// masterkey.cryptomator, the signed vault.cryptomator and the root content
// directory. It fails with ExistsError if a vault config is already present.
func Create(ctx context.Context, backend Backend, root, password string, co CreateOptions, opts ...Option) (*Vault, error) {
	o, err := buildOptions(backend, opts)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	root = strings.TrimSuffix(root, "/")
	// paths written so far, removed again if creation fails
	var created []string
	if co.Name != "" {
		if err := ValidateName(co.Name); err != nil {
			return nil, err
		}
		root = path.Join(root, co.Name)
		exists, err := backend.Exists(ctx, root)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, &ExistsError{Path: root, Name: co.Name}
		}
	}
	if root != "" {
		if err := backend.CreateDir(ctx, root, true); err != nil {
			return nil, fmt.Errorf("failed to create vault directory: %w", err)
		}
		if co.Name != "" {
			created = append(created, root)
		}
	}

	configPath := o.pathOr(o.configPath, root, ConfigFileName)
	masterKeyPath := o.pathOr(o.masterKeyPath, root, MasterKeyFileName)
	for _, p := range []string{configPath, masterKeyPath} {
		exists, err := backend.Exists(ctx, p)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, &ExistsError{Path: p}
		}
	}
	dataPath := path.Join(root, DataDirName)
	dataExists, err := backend.Exists(ctx, dataPath)
	if err != nil {
		return nil, err
	}

	keys, err := NewMasterKeySet(o.crypto)
	if err != nil {
		return nil, fmt.Errorf("failed to generate master keys: %w", err)
	}
	fail := func(err error) (*Vault, error) {
		keys.Destroy()
		// files go before the vault directory that holds them
		slices.Reverse(created)
		removePaths(ctx, backend, o.logger, created...)
		return nil, err
	}

	mk, err := WrapMasterKey(ctx, o.crypto, keys, password, o.scryptCostParam, o.scryptBlockSize)
	if err != nil {
		return fail(err)
	}
	mkData, err := mk.Marshal()
	if err != nil {
		return fail(err)
	}

	cfg := NewVaultConfig(o.shorteningThreshold)
	token, err := SignVaultConfig(cfg, keys)
	if err != nil {
		return fail(err)
	}

	created = append(created, masterKeyPath)
	if err := backend.WriteFile(ctx, masterKeyPath, mkData); err != nil {
		return fail(fmt.Errorf("failed to write master key file: %w", err))
	}
	created = append(created, configPath)
	if err := WriteText(ctx, backend, configPath, token); err != nil {
		return fail(fmt.Errorf("failed to write vault config: %w", err))
	}

	v, err := newVault(backend, root, co.Name, cfg, keys, o)
	if err != nil {
		return fail(err)
	}
	if !dataExists {
		created = append(created, dataPath)
	}
	if err := v.initContentDir(ctx, RootDirID); err != nil {
		v.Close()
		return fail(err)
	}

	v.logger.Info("created vault", zap.String("path", root), zap.String("jti", cfg.JTI))
	return v, nil
}

// Open unlocks an existing vault. A wrong password fails with a
// DecryptionError or InvalidSignatureError for TargetVault (see
// IsWrongPassword); a tampered config fails with InvalidSignatureError.
func Open(ctx context.Context, backend Backend, root, password string, opts ...Option) (*Vault, error) {
	o, err := buildOptions(backend, opts)
	if err != nil {
		return nil, err
	}
	root = strings.TrimSuffix(root, "/")

	token, err := ReadText(ctx, backend, o.pathOr(o.configPath, root, ConfigFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read vault config: %w", err)
	}

	masterKeyPath := o.masterKeyPath
	if masterKeyPath == "" {
		scheme, ref, err := ConfigKeyID(token)
		if err != nil {
			return nil, err
		}
		if scheme != "masterkeyfile" {
			return nil, fmt.Errorf("%w: key scheme %q", ErrUnsupportedFormat, scheme)
		}
		masterKeyPath = path.Join(root, ref)
	}

	keys, err := loadMasterKey(ctx, backend, masterKeyPath, o.crypto, password)
	if err != nil {
		return nil, err
	}

	cfg, err := VerifyVaultConfig(token, keys)
	if err != nil {
		keys.Destroy()
		return nil, err
	}

	v, err := newVault(backend, root, path.Base(root), cfg, keys, o)
	if err != nil {
		keys.Destroy()
		return nil, err
	}
	v.logger.Debug("opened vault", zap.String("path", root), zap.Int("shortening_threshold", cfg.ShorteningThreshold))
	return v, nil
}

// ChangePassword re-wraps the master keys of the vault at root under a new
// password. Only masterkey.cryptomator is rewritten; the config and all
// content stay valid.
func ChangePassword(ctx context.Context, backend Backend, root, oldPassword, newPassword string, opts ...Option) error {
	o, err := buildOptions(backend, opts)
	if err != nil {
		return err
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	root = strings.TrimSuffix(root, "/")
	masterKeyPath := o.pathOr(o.masterKeyPath, root, MasterKeyFileName)

	keys, err := loadMasterKey(ctx, backend, masterKeyPath, o.crypto, oldPassword)
	if err != nil {
		return err
	}
	defer keys.Destroy()

	mk, err := WrapMasterKey(ctx, o.crypto, keys, newPassword, o.scryptCostParam, o.scryptBlockSize)
	if err != nil {
		return err
	}
	data, err := mk.Marshal()
	if err != nil {
		return err
	}
	if err := backend.WriteFile(ctx, masterKeyPath, data); err != nil {
		return fmt.Errorf("failed to write master key file: %w", err)
	}
	o.logger.Info("changed vault password", zap.String("path", root))
	return nil
}

func buildOptions(backend Backend, opts []Option) (options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if backend == nil {
		return o, ErrNilBackend
	}
	if err := o.validate(); err != nil {
		return o, fmt.Errorf("invalid options: %w", err)
	}
	return o, nil
}

// pathOr returns override, or name inside root
func (o *options) pathOr(override, root, name string) string {
	if override != "" {
		return override
	}
	return path.Join(root, name)
}

func loadMasterKey(ctx context.Context, backend Backend, p string, crypto CryptoProvider, password string) (*MasterKeySet, error) {
	data, err := backend.ReadFile(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to read master key file: %w", err)
	}
	mk, err := ParseMasterKeyFile(data)
	if err != nil {
		return nil, err
	}
	return UnwrapMasterKey(ctx, crypto, mk, password)
}

func newVault(backend Backend, root, name string, cfg VaultConfig, keys *MasterKeySet, o options) (*Vault, error) {
	sivKey := keys.sivKey()
	defer zero(sivKey)
	siv, err := o.crypto.NewSIV(sivKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create name cipher: %w", err)
	}
	content, err := NewContentCipher(o.crypto, keys, o.concurrency)
	if err != nil {
		return nil, err
	}
	return &Vault{
		backend:     backend,
		root:        root,
		name:        name,
		config:      cfg,
		keys:        keys,
		crypto:      o.crypto,
		codec:       NewPathCodec(root, siv, cfg.ShorteningThreshold),
		content:     content,
		logger:      o.logger.With(zap.String("vault", root)),
		concurrency: o.concurrency,
		rootItem:    newRootItem(),
	}, nil
}

// initContentDir creates the content directory of id and its dirid.c9r backup
func (v *Vault) initContentDir(ctx context.Context, id DirID) error {
	contentPath := v.codec.DirPath(id)
	if err := v.backend.CreateDir(ctx, contentPath, true); err != nil {
		return fmt.Errorf("failed to create content directory: %w", err)
	}
	backup, err := v.content.Encrypt(ctx, []byte(id))
	if err != nil {
		return err
	}
	if err := v.backend.WriteFile(ctx, path.Join(contentPath, DirIDBackupFile), backup); err != nil {
		return fmt.Errorf("failed to write directory ID backup: %w", err)
	}
	return nil
}

// RecoverDirID reads the DirID stored in the dirid.c9r backup of a content
// directory. It lets a directory be reattached when its dir.c9r is lost.
func (v *Vault) RecoverDirID(ctx context.Context, contentPath string) (DirID, error) {
	if err := v.checkOpen(); err != nil {
		return "", err
	}
	p := path.Join(contentPath, DirIDBackupFile)
	data, err := v.backend.ReadFile(ctx, p)
	if err != nil {
		return "", err
	}
	id, err := v.content.Decrypt(ctx, data)
	if err != nil {
		return "", withPath(err, p)
	}
	return DirID(id), nil
}

// Root returns the root directory item
func (v *Vault) Root() *Item {
	return v.rootItem
}

// Name returns the vault's directory name
func (v *Vault) Name() string {
	return v.name
}

// Path returns the vault's root path on the backend
func (v *Vault) Path() string {
	return v.root
}

// Config returns the verified vault configuration
func (v *Vault) Config() VaultConfig {
	return v.config
}

// Codec returns the vault's path codec
func (v *Vault) Codec() *PathCodec {
	return v.codec
}

// Content returns the vault's content cipher
func (v *Vault) Content() *ContentCipher {
	return v.content
}

// Close wipes the master keys and the name cipher. Every later operation
// fails with ErrVaultClosed, and the Codec and Content of the vault must not
// be used any more. Close must not run concurrently with other methods.
func (v *Vault) Close() error {
	if v.closed.Swap(true) {
		return nil
	}
	v.keys.Destroy()
	v.content.destroy()
	v.codec.destroy()
	return nil
}

func (v *Vault) checkOpen() error {
	if v.closed.Load() {
		return ErrVaultClosed
	}
	return nil
}

// withPath records a physical path on a DecryptionError or
// InvalidSignatureError that does not carry one yet
func withPath(err error, p string) error {
	var de *DecryptionError
	if errors.As(err, &de) && de.Path == "" {
		de.Path = p
	}
	var se *InvalidSignatureError
	if errors.As(err, &se) && se.Path == "" {
		se.Path = p
	}
	return err
}
