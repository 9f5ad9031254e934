// Package nar parses and renders the NAR artifact URL convention used by
// the cache protocol: nar/<file_hash>.nar.<codec>.
package nar

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
)

// Codec is the compression codec an artifact is stored under. spec.md §3
// restricts this to xz and zst; unlike the teacher's nix-wide CompressionType
// this type only knows the two codecs the federated protocol speaks.
type Codec string

const (
	CodecXZ   Codec = "xz"
	CodecZstd Codec = "zst"
)

// ErrUnknownCodec is returned when a codec string is neither "xz" nor "zst".
var ErrUnknownCodec = errors.New("unknown codec")

// ParseCodec validates a codec string.
func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case CodecXZ:
		return CodecXZ, nil
	case CodecZstd:
		return CodecZstd, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownCodec)
	}
}

func (c Codec) String() string { return string(c) }

// HashPattern matches the Nix32 file-hash alphabet used for both store
// hashes (32 chars) and file hashes (52 chars).
const HashPattern = `[0-9a-df-np-sv-z]+`

var (
	// ErrInvalidURL is returned if a nar URL does not match the expected
	// "nar/<hash>.nar.<codec>" shape.
	ErrInvalidURL = errors.New("invalid nar URL")

	narRegexp = regexp.MustCompile(`^(?:nar/)?(` + HashPattern + `)\.nar\.(xz|zst)$`)
)

// URL represents a parsed NAR artifact reference.
type URL struct {
	Hash  string
	Codec Codec
}

// ParseURL parses "nar/<file_hash>.nar.<codec>" (the "nar/" prefix and any
// leading path are optional; only the filename is significant).
func ParseURL(u string) (URL, error) {
	if u == "" {
		return URL{}, ErrInvalidURL
	}

	filename := filepath.Base(u)

	sm := narRegexp.FindStringSubmatch("nar/" + filename)
	if sm == nil {
		return URL{}, ErrInvalidURL
	}

	codec, err := ParseCodec(sm[2])
	if err != nil {
		return URL{}, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	return URL{Hash: sm[1], Codec: codec}, nil
}

// FileName returns "<file_hash>.nar.<codec>", the name a back-end stores
// this artifact under.
func (u URL) FileName() string { return u.Hash + ".nar." + u.Codec.String() }

// String renders the URL the way it appears in a narinfo's URL field:
// "nar/<file_hash>.nar.<codec>".
func (u URL) String() string { return "nar/" + u.FileName() }

// JoinURL resolves this nar URL against a peer's base URL.
func (u URL) JoinURL(base *url.URL) *url.URL { return base.JoinPath("/" + u.String()) }
