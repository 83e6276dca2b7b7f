package cryptovault

import (
	"errors"
	"fmt"
)

// Target names what failed to decrypt or authenticate
type Target uint8

const (
	// TargetVault is the master key file or the vault config token
	TargetVault Target = iota
	// TargetItemName is an encrypted file or directory name
	TargetItemName
	// TargetFile is the content of an encrypted file
	TargetFile
)

// String returns the string representation of the target
func (t Target) String() string {
	switch t {
	case TargetVault:
		return "vault"
	case TargetItemName:
		return "item name"
	case TargetFile:
		return "file"
	default:
		return "unknown"
	}
}

// DecryptionError is returned when a key or ciphertext cannot be decrypted.
// For TargetVault this almost always means a wrong password.
type DecryptionError struct {
	Target Target
	Path   string // Physical path, if applicable
	Err    error  // Underlying error
}

func (e *DecryptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("decryption error: %s %s", e.Target, e.Path)
	}
	return fmt.Sprintf("decryption error: %s", e.Target)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// InvalidSignatureError is returned when a MAC does not match, meaning the
// data was tampered with or corrupted.
type InvalidSignatureError struct {
	Target   Target
	Path     string // Physical path, if applicable
	ChunkIdx int64  // Chunk index for TargetFile, -1 for the header
	Err      error  // Underlying error
}

func (e *InvalidSignatureError) Error() string {
	switch {
	case e.Target == TargetFile && e.ChunkIdx >= 0:
		return fmt.Sprintf("invalid signature: %s %s (chunk %d)", e.Target, e.Path, e.ChunkIdx)
	case e.Path != "":
		return fmt.Sprintf("invalid signature: %s %s", e.Target, e.Path)
	}
	return fmt.Sprintf("invalid signature: %s", e.Target)
}

func (e *InvalidSignatureError) Unwrap() error {
	return e.Err
}

// ExistsError is returned when the destination of a structural operation
// is already taken.
type ExistsError struct {
	Path string // Physical path of the existing entry
	Name string // Plaintext name, if known
}

func (e *ExistsError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("already exists: %q (%s)", e.Name, e.Path)
	}
	return fmt.Sprintf("already exists: %s", e.Path)
}

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrAuthFailed        = errors.New("authentication failed - data may be corrupted or tampered")
	ErrInvalidKey        = errors.New("invalid encryption key")
	ErrUnsupportedFormat = errors.New("unsupported vault format")
	ErrMalformedEntry    = errors.New("malformed vault entry")
	ErrRootItem          = errors.New("operation not permitted on the root directory")
	ErrNotDirectory      = errors.New("item is not a directory")
	ErrNotFile           = errors.New("item is not a file")
	ErrVaultClosed       = errors.New("vault is closed")
	ErrNilBackend        = errors.New("backend cannot be nil")
	ErrNilLogger         = errors.New("logger cannot be nil")
	ErrNilCryptoProvider = errors.New("crypto provider cannot be nil")
)

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

func newDecryptionError(target Target, path string, err error) error {
	return &DecryptionError{Target: target, Path: path, Err: err}
}

func newSignatureError(target Target, path string, chunk int64, err error) error {
	return &InvalidSignatureError{Target: target, Path: path, ChunkIdx: chunk, Err: err}
}

// IsDecryptionError reports whether err is a DecryptionError for the given target
func IsDecryptionError(err error, target Target) bool {
	var de *DecryptionError
	return errors.As(err, &de) && de.Target == target
}

// IsInvalidSignatureError reports whether err is an InvalidSignatureError for the given target
func IsInvalidSignatureError(err error, target Target) bool {
	var se *InvalidSignatureError
	return errors.As(err, &se) && se.Target == target
}

// IsExistsError checks if an error is an exists error
func IsExistsError(err error) bool {
	var ee *ExistsError
	return errors.As(err, &ee)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsWrongPassword reports whether err is one of the two failures a wrong
// password produces when opening a vault
func IsWrongPassword(err error) bool {
	return IsDecryptionError(err, TargetVault) || IsInvalidSignatureError(err, TargetVault)
}
