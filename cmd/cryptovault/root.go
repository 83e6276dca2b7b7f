package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/absfs/cryptovault"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

const (
	logLevelNone = "none"

	keyVault    = "vault"
	keyLogLevel = "log-level"
	keyPassword = "password"
)

var rootCmd = &cobra.Command{
	Use:   "cryptovault",
	Short: "Work with Cryptomator vaults",
	Long: `cryptovault reads and writes Cryptomator vaults (format 8) on the local disk.

The vault password is read from CRYPTOVAULT_PASSWORD, or prompted for.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := getLogger(viper.GetString(keyLogLevel))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

var logger = zap.NewNop()

// Execute runs the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String(keyVault, ".", "Path of the vault directory")
	rootCmd.PersistentFlags().String(keyLogLevel, "info", "Log level: debug, info, warn, error or none")
	_ = viper.BindPFlag(keyVault, rootCmd.PersistentFlags().Lookup(keyVault))
	_ = viper.BindPFlag(keyLogLevel, rootCmd.PersistentFlags().Lookup(keyLogLevel))
}

// initConfig reads CRYPTOVAULT_* environment variables
func initConfig() {
	viper.SetEnvPrefix("cryptovault")
	viper.AutomaticEnv()
}

// getLogger returns a production zap logger at the given level
func getLogger(level string) (*zap.Logger, error) {
	if level == logLevelNone {
		return zap.NewNop(), nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func backend() cryptovault.Backend {
	return cryptovault.NewAferoBackend(afero.NewOsFs())
}

func vaultPath() string {
	return viper.GetString(keyVault)
}

// password returns CRYPTOVAULT_PASSWORD if set, otherwise prompts on the terminal
func password(prompt string) (string, error) {
	if pw := viper.GetString(keyPassword); pw != "" {
		return pw, nil
	}
	return promptPassword(prompt)
}

func promptPassword(prompt string) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", errors.New("no password given and stdin is not a terminal; set CRYPTOVAULT_PASSWORD")
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// openVault unlocks the vault named by --vault
func openVault(ctx context.Context) (*cryptovault.Vault, error) {
	pw, err := password("Vault password: ")
	if err != nil {
		return nil, err
	}
	v, err := cryptovault.Open(ctx, backend(), vaultPath(), pw, cryptovault.WithLogger(logger))
	if cryptovault.IsWrongPassword(err) {
		return nil, errors.New("wrong password")
	}
	return v, err
}

// withVault opens the vault, runs fn and closes the vault again
func withVault(fn func(ctx context.Context, v *cryptovault.Vault, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer v.Close()
		return fn(ctx, v, args)
	}
}
