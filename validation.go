package cryptovault

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, field string, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   field,
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}
	if len(key) != expectedSize {
		return &ValidationError{
			Field:   field,
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKey,
		}
	}
	return nil
}

// ValidateRange checks that n lies in [min, max]. A max of 0 means no upper bound.
func ValidateRange(n int, field string, min, max int) error {
	if n < min {
		return &ValidationError{
			Field:   field,
			Value:   n,
			Message: fmt.Sprintf("too small: got %d, minimum is %d", n, min),
		}
	}
	if max > 0 && n > max {
		return &ValidationError{
			Field:   field,
			Value:   n,
			Message: fmt.Sprintf("too large: got %d, maximum is %d", n, max),
		}
	}
	return nil
}

// ValidateScryptParams checks the scrypt cost (a power of two above 1) and block size
func ValidateScryptParams(costParam, blockSize int) error {
	if costParam <= 1 || costParam&(costParam-1) != 0 {
		return &ValidationError{
			Field:   "scrypt_cost_param",
			Value:   costParam,
			Message: "must be a power of two greater than 1",
		}
	}
	return ValidateRange(blockSize, "scrypt_block_size", 1, 1<<16)
}

// ValidateName checks a plaintext file or directory name
func ValidateName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Field: "name", Message: "name cannot be empty"}
	case name == "." || name == "..":
		return &ValidationError{Field: "name", Value: name, Message: "reserved name"}
	case strings.ContainsRune(name, '/'):
		return &ValidationError{Field: "name", Value: name, Message: "name cannot contain a path separator"}
	case !utf8.ValidString(name):
		return &ValidationError{Field: "name", Value: name, Message: "name must be valid UTF-8"}
	}
	return nil
}

// ValidatePassword checks that a password is usable
func ValidatePassword(password string) error {
	if password == "" {
		return &ValidationError{Field: "password", Message: "password cannot be empty"}
	}
	return nil
}
