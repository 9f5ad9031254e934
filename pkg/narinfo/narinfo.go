// Package narinfo adds the store-hash validation convention this cache uses
// on top of github.com/nix-community/go-nix/pkg/narinfo, which remains the
// source of truth for parsing/serialization and ed25519 signing (both
// treated as black boxes per spec.md §1).
package narinfo

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidHash is returned if a store hash does not match HashPattern.
var ErrInvalidHash = errors.New("invalid store hash")

// HashPattern matches a store hash: 32 lowercase Nix32 characters.
const HashPattern = `[0-9a-df-np-sv-z]{32}`

var hashRegexp = regexp.MustCompile(`^` + HashPattern + `$`)

// ValidateHash returns an error if hash is not a well-formed store hash. The
// public HTTP surface (spec.md §4.3) runs every {hash}.narinfo request
// through this before it reaches the metadata store.
func ValidateHash(hash string) error {
	if !hashRegexp.MatchString(hash) {
		return fmt.Errorf("%q: %w", hash, ErrInvalidHash)
	}

	return nil
}
