package cryptovault

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/absfs/memfs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testRoot = "/vault"

type testEnv struct {
	fs      afero.Fs
	backend Backend
	opts    []Option
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	fsys := afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
	return &testEnv{
		fs:      fsys,
		backend: NewAferoBackend(fsys),
		opts: append([]Option{
			WithScryptParams(testCost, testBlock),
			WithLogger(zaptest.NewLogger(t)),
		}, opts...),
	}
}

func (e *testEnv) create(t *testing.T, password string) *Vault {
	t.Helper()
	v, err := Create(context.Background(), e.backend, testRoot, password, CreateOptions{}, e.opts...)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func (e *testEnv) open(t *testing.T, password string) (*Vault, error) {
	t.Helper()
	v, err := Open(context.Background(), e.backend, testRoot, password, e.opts...)
	if err == nil {
		t.Cleanup(func() { v.Close() })
	}
	return v, err
}

// files lists every regular file below dir
func (e *testEnv) files(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := afero.Walk(e.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			out = append(out, p)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestCreate_Layout(t *testing.T) {
	env := newTestEnv(t)
	v := env.create(t, "p@ss")

	for _, name := range []string{ConfigFileName, MasterKeyFileName} {
		ok, err := afero.Exists(env.fs, path.Join(testRoot, name))
		require.NoError(t, err)
		require.True(t, ok, "%s should exist", name)
	}

	rootContent := v.Codec().DirPath(RootDirID)
	require.True(t, strings.HasPrefix(rootContent, testRoot+"/d/"))
	require.Equal(t, []string{path.Join(rootContent, DirIDBackupFile)}, env.files(t, path.Join(testRoot, DataDirName)))

	cfg := v.Config()
	require.Equal(t, VaultFormat, cfg.Format)
	require.Equal(t, DefaultShorteningThreshold, cfg.ShorteningThreshold)
	require.Equal(t, CipherCombo, cfg.CipherCombo)
	require.NotEmpty(t, cfg.JTI)
}

func TestCreateOpen_RoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.create(t, "p@ss")

	_, err := v.WriteFile(ctx, "a.txt", RootDirID, []byte("hi"))
	require.NoError(t, err)

	reopened, err := env.open(t, "p@ss")
	require.NoError(t, err)

	items, err := reopened.ListItems(ctx, RootDirID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "a.txt", items[0].Name)
	require.Equal(t, KindFile, items[0].Kind)
	require.Equal(t, int64(2), items[0].Size)

	data, err := reopened.ReadFile(ctx, items[0])
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))
}

func TestOpen_WrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "p@ss")

	_, err := env.open(t, "wrong")
	require.Error(t, err)
	require.True(t, IsWrongPassword(err), "error %v should report a wrong password", err)
}

func TestOpen_TamperedConfig(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "p@ss")

	configPath := path.Join(testRoot, ConfigFileName)
	token, err := afero.ReadFile(env.fs, configPath)
	require.NoError(t, err)
	parts := strings.Split(string(token), ".")
	require.Len(t, parts, 3)

	forged := `{"format":8,"shorteningThreshold":100,"jti":"forged","cipherCombo":"SIV_CTRMAC"}`
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(forged))
	require.NoError(t, afero.WriteFile(env.fs, configPath, []byte(strings.Join(parts, ".")), 0o600))

	_, err = env.open(t, "p@ss")
	require.True(t, IsInvalidSignatureError(err, TargetVault), "error %v should be a vault signature error", err)
}

func TestCreate_AlreadyExists(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "p@ss")

	_, err := Create(context.Background(), env.backend, testRoot, "other", CreateOptions{}, env.opts...)
	require.True(t, IsExistsError(err), "error %v should be an ExistsError", err)
}

func TestCreate_Named(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	v, err := Create(ctx, env.backend, "/vaults", "pw", CreateOptions{Name: "Personal"}, env.opts...)
	require.NoError(t, err)
	defer v.Close()
	require.Equal(t, "/vaults/Personal", v.Path())
	require.Equal(t, "Personal", v.Name())

	opened, err := Open(ctx, env.backend, "/vaults/Personal", "pw", env.opts...)
	require.NoError(t, err)
	defer opened.Close()
	require.Equal(t, "Personal", opened.Name())

	_, err = Create(ctx, env.backend, "/vaults", "pw", CreateOptions{Name: "Personal"}, env.opts...)
	require.True(t, IsExistsError(err))
}

func TestCreate_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := Create(ctx, nil, testRoot, "pw", CreateOptions{})
	require.ErrorIs(t, err, ErrNilBackend)

	_, err = Create(ctx, env.backend, testRoot, "", CreateOptions{}, env.opts...)
	require.True(t, IsValidationError(err))

	_, err = Create(ctx, env.backend, testRoot, "pw", CreateOptions{}, append(env.opts, WithConcurrency(-1))...)
	require.True(t, IsValidationError(err))
}

func TestOpen_CustomKeyPaths(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	opts := append(env.opts,
		WithMasterKeyPath("/keys/vault.masterkey"),
		WithConfigPath("/keys/vault.config"))

	require.NoError(t, env.backend.CreateDir(ctx, "/keys", true))
	v, err := Create(ctx, env.backend, testRoot, "pw", CreateOptions{}, opts...)
	require.NoError(t, err)
	v.Close()

	ok, _ := afero.Exists(env.fs, path.Join(testRoot, MasterKeyFileName))
	require.False(t, ok)

	v, err = Open(ctx, env.backend, testRoot, "pw", opts...)
	require.NoError(t, err)
	v.Close()
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.create(t, "old")
	_, err := v.WriteFile(ctx, "keep.txt", RootDirID, []byte("still here"))
	require.NoError(t, err)

	configBefore, err := afero.ReadFile(env.fs, path.Join(testRoot, ConfigFileName))
	require.NoError(t, err)

	err = ChangePassword(ctx, env.backend, testRoot, "wrong", "new", env.opts...)
	require.True(t, IsWrongPassword(err))

	require.NoError(t, ChangePassword(ctx, env.backend, testRoot, "old", "new", env.opts...))

	_, err = env.open(t, "old")
	require.True(t, IsWrongPassword(err))

	reopened, err := env.open(t, "new")
	require.NoError(t, err)
	it, err := reopened.Lookup(ctx, "/keep.txt")
	require.NoError(t, err)
	data, err := reopened.ReadFile(ctx, it)
	require.NoError(t, err)
	require.Equal(t, "still here", string(data))

	configAfter, err := afero.ReadFile(env.fs, path.Join(testRoot, ConfigFileName))
	require.NoError(t, err)
	require.Equal(t, configBefore, configAfter)
}

func TestRecoverDirID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.create(t, "pw")

	dir, err := v.CreateDirectory(ctx, "docs", RootDirID)
	require.NoError(t, err)
	id, err := v.DirID(ctx, dir)
	require.NoError(t, err)

	got, err := v.RecoverDirID(ctx, v.Codec().DirPath(id))
	require.NoError(t, err)
	require.Equal(t, id, got)

	got, err = v.RecoverDirID(ctx, v.Codec().DirPath(RootDirID))
	require.NoError(t, err)
	require.Equal(t, RootDirID, got)
}

func TestVault_MemFS(t *testing.T) {
	ctx := context.Background()
	fsys, err := memfs.NewFS()
	require.NoError(t, err)
	backend := NewFileSystemBackend(fsys)

	v, err := Create(ctx, backend, testRoot, "pw", CreateOptions{}, WithScryptParams(testCost, testBlock))
	require.NoError(t, err)
	defer v.Close()

	docs, err := v.CreateDirectory(ctx, "docs", RootDirID)
	require.NoError(t, err)
	docsID, err := v.DirID(ctx, docs)
	require.NoError(t, err)
	_, err = v.WriteFile(ctx, "readme.md", docsID, []byte("# hello"))
	require.NoError(t, err)

	opened, err := Open(ctx, backend, testRoot, "pw", WithScryptParams(testCost, testBlock))
	require.NoError(t, err)
	defer opened.Close()

	it, err := opened.Lookup(ctx, "docs/readme.md")
	require.NoError(t, err)
	data, err := opened.ReadFile(ctx, it)
	require.NoError(t, err)
	require.Equal(t, "# hello", string(data))
}

var errInjected = errors.New("injected failure")

// failingBackend fails writes and removals of paths ending in the given
// suffixes and passes everything else through
type failingBackend struct {
	Backend
	failWrite  string
	failRemove string
}

func (b *failingBackend) WriteFile(ctx context.Context, p string, data []byte) error {
	if b.failWrite != "" && strings.HasSuffix(p, b.failWrite) {
		return errInjected
	}
	return b.Backend.WriteFile(ctx, p, data)
}

func (b *failingBackend) Remove(ctx context.Context, p string) error {
	if b.failRemove != "" && strings.HasSuffix(p, b.failRemove) {
		return errInjected
	}
	return b.Backend.Remove(ctx, p)
}

func TestCreate_CleansUpOnFailure(t *testing.T) {
	for _, failWrite := range []string{MasterKeyFileName, ConfigFileName, DirIDBackupFile} {
		t.Run(failWrite, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t)

			_, err := Create(ctx, &failingBackend{Backend: env.backend, failWrite: failWrite},
				testRoot, "pw", CreateOptions{}, env.opts...)
			require.ErrorIs(t, err, errInjected)

			for _, name := range []string{MasterKeyFileName, ConfigFileName, DataDirName} {
				ok, err := afero.Exists(env.fs, path.Join(testRoot, name))
				require.NoError(t, err)
				require.False(t, ok, "%s left behind", name)
			}

			v := env.create(t, "pw")
			require.Empty(t, mustList(t, v, RootDirID))
		})
	}
}

func TestCreate_NamedCleansUpOnFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := Create(ctx, &failingBackend{Backend: env.backend, failWrite: ConfigFileName},
		testRoot, "pw", CreateOptions{Name: "named"}, env.opts...)
	require.ErrorIs(t, err, errInjected)

	ok, err := afero.Exists(env.fs, path.Join(testRoot, "named"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClose_RejectsOperations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.create(t, "pw")

	it, err := v.WriteFile(ctx, "a.txt", RootDirID, []byte("before close"))
	require.NoError(t, err)
	encKey, macKey := v.keys.EncKey, v.keys.MacKey
	rootContent := v.Codec().DirPath(RootDirID)

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())
	require.True(t, allZero(encKey), "encryption key not wiped")
	require.True(t, allZero(macKey), "MAC key not wiped")

	_, err = v.WriteFile(ctx, "b.txt", RootDirID, []byte("after close"))
	require.ErrorIs(t, err, ErrVaultClosed)
	_, err = v.ListItems(ctx, RootDirID)
	require.ErrorIs(t, err, ErrVaultClosed)
	_, err = v.ReadFile(ctx, it)
	require.ErrorIs(t, err, ErrVaultClosed)
	_, err = v.Lookup(ctx, "a.txt")
	require.ErrorIs(t, err, ErrVaultClosed)
	_, err = v.CreateDirectory(ctx, "d", RootDirID)
	require.ErrorIs(t, err, ErrVaultClosed)
	require.ErrorIs(t, v.Rename(ctx, it, "c.txt"), ErrVaultClosed)
	require.ErrorIs(t, v.DeleteFile(ctx, it), ErrVaultClosed)
	_, err = v.Verify(ctx)
	require.ErrorIs(t, err, ErrVaultClosed)
	_, err = v.RecoverDirID(ctx, rootContent)
	require.ErrorIs(t, err, ErrVaultClosed)

	reopened, err := env.open(t, "pw")
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt"}, names(mustList(t, reopened, RootDirID)))
}
