package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"text/tabwriter"

	"github.com/absfs/cryptovault"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new vault",
	Long: `Create writes vault.cryptomator, masterkey.cryptomator and the root
directory into --vault. With --name the vault goes into a new subdirectory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := password("New vault password: ")
		if err != nil {
			return err
		}
		if !passwordFromEnv() {
			again, err := promptPassword("Repeat password: ")
			if err != nil {
				return err
			}
			if again != pw {
				return fmt.Errorf("passwords do not match")
			}
		}
		v, err := cryptovault.Create(cmd.Context(), backend(), vaultPath(), pw,
			cryptovault.CreateOptions{Name: initName}, cryptovault.WithLogger(logger))
		if err != nil {
			return err
		}
		defer v.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "created vault at", v.Path())
		return nil
	},
}

var initName string

var lsCmd = &cobra.Command{
	Use:   "ls [dir]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: withVault(func(ctx context.Context, v *cryptovault.Vault, args []string) error {
		dir := "/"
		if len(args) == 1 {
			dir = args[0]
		}
		id, err := lookupDir(ctx, v, dir)
		if err != nil {
			return err
		}
		items, listErr := v.ListItems(ctx, id)
		sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, it := range items {
			size := "-"
			if !it.IsDir() && it.Size >= 0 {
				size = fmt.Sprint(it.Size)
			}
			name := it.Name
			if it.IsDir() {
				name += "/"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", size, it.ModTime.Format("2006-01-02 15:04"), name)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		for _, err := range multierr.Errors(listErr) {
			fmt.Fprintln(os.Stderr, "warning:", err)
		}
		return nil
	}),
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>",
	Short: "Create a directory",
	Args:  cobra.ExactArgs(1),
	RunE: withVault(func(ctx context.Context, v *cryptovault.Vault, args []string) error {
		parent, name := splitPath(args[0])
		id, err := lookupDir(ctx, v, parent)
		if err != nil {
			return err
		}
		_, err = v.CreateDirectory(ctx, name, id)
		return err
	}),
}

var putCmd = &cobra.Command{
	Use:   "put <local file> <vault path>",
	Short: "Encrypt a local file into the vault",
	Long: `Put stores the local file at the given vault path. An existing file is
replaced only with --force.`,
	Args: cobra.ExactArgs(2),
	RunE: withVault(func(ctx context.Context, v *cryptovault.Vault, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		parent, name := splitPath(args[1])
		id, err := lookupDir(ctx, v, parent)
		if err != nil {
			return err
		}
		_, err = v.WriteFileFrom(ctx, name, id, f)
		if !cryptovault.IsExistsError(err) || !putForce {
			return err
		}

		existing, err := v.Lookup(ctx, args[1])
		if err != nil {
			return err
		}
		data, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		return v.UpdateFile(ctx, existing, data)
	}),
}

var putForce bool

var catCmd = &cobra.Command{
	Use:   "cat <vault path>",
	Short: "Decrypt a file to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: withVault(func(ctx context.Context, v *cryptovault.Vault, args []string) error {
		it, err := v.Lookup(ctx, args[0])
		if err != nil {
			return err
		}
		r, err := v.OpenReader(ctx, it)
		if err != nil {
			return err
		}
		_, err = io.Copy(os.Stdout, r)
		return err
	}),
}

var mvCmd = &cobra.Command{
	Use:   "mv <path> <target dir>",
	Short: "Move an item into another directory",
	Args:  cobra.ExactArgs(2),
	RunE: withVault(func(ctx context.Context, v *cryptovault.Vault, args []string) error {
		it, err := v.Lookup(ctx, args[0])
		if err != nil {
			return err
		}
		id, err := lookupDir(ctx, v, args[1])
		if err != nil {
			return err
		}
		return v.Move(ctx, it, id)
	}),
}

var renameCmd = &cobra.Command{
	Use:   "rename <path> <new name>",
	Short: "Rename an item in place",
	Args:  cobra.ExactArgs(2),
	RunE: withVault(func(ctx context.Context, v *cryptovault.Vault, args []string) error {
		it, err := v.Lookup(ctx, args[0])
		if err != nil {
			return err
		}
		return v.Rename(ctx, it, args[1])
	}),
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Remove a file, or a directory with -r",
	Args:  cobra.ExactArgs(1),
	RunE: withVault(func(ctx context.Context, v *cryptovault.Vault, args []string) error {
		it, err := v.Lookup(ctx, args[0])
		if err != nil {
			return err
		}
		if !it.IsDir() {
			return v.DeleteFile(ctx, it)
		}
		if !rmRecursive {
			return fmt.Errorf("%s is a directory (use -r)", args[0])
		}
		return v.DeleteDir(ctx, it)
	}),
}

var rmRecursive bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Decrypt and authenticate every name and file",
	Args:  cobra.NoArgs,
	RunE: withVault(func(ctx context.Context, v *cryptovault.Vault, args []string) error {
		problems, err := v.Verify(ctx)
		if err != nil {
			return err
		}
		for _, p := range problems {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p.Path, p.Err)
		}
		if len(problems) > 0 {
			return fmt.Errorf("%d item(s) failed verification", len(problems))
		}
		fmt.Fprintln(os.Stdout, "ok")
		return nil
	}),
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the vault password",
	Long: `Passwd re-wraps the master keys with a new password. Only
masterkey.cryptomator is rewritten.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		oldPw, err := password("Current password: ")
		if err != nil {
			return err
		}
		newPw, err := promptPassword("New password: ")
		if err != nil {
			return err
		}
		again, err := promptPassword("Repeat new password: ")
		if err != nil {
			return err
		}
		if again != newPw {
			return fmt.Errorf("passwords do not match")
		}
		err = cryptovault.ChangePassword(cmd.Context(), backend(), vaultPath(), oldPw, newPw,
			cryptovault.WithLogger(logger))
		if cryptovault.IsWrongPassword(err) {
			return fmt.Errorf("wrong password")
		}
		return err
	},
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "Create the vault in a new subdirectory with this name")
	putCmd.Flags().BoolVarP(&putForce, "force", "f", false, "Replace an existing file")
	rmCmd.Flags().BoolVarP(&rmRecursive, "recursive", "r", false, "Remove directories and their contents")

	rootCmd.AddCommand(initCmd, lsCmd, mkdirCmd, putCmd, catCmd, mvCmd, renameCmd, rmCmd, verifyCmd, passwdCmd)
}

func passwordFromEnv() bool {
	_, ok := os.LookupEnv("CRYPTOVAULT_PASSWORD")
	return ok
}

// splitPath splits a vault path into its parent directory and base name
func splitPath(p string) (string, string) {
	p = path.Clean("/" + p)
	return path.Dir(p), path.Base(p)
}

// lookupDir resolves p and returns its DirID
func lookupDir(ctx context.Context, v *cryptovault.Vault, p string) (cryptovault.DirID, error) {
	it, err := v.Lookup(ctx, p)
	if err != nil {
		return "", err
	}
	return v.DirID(ctx, it)
}
