// Package helper provides small utilities shared across the storage,
// narinfo, and nar packages: the on-disk/on-bucket naming convention for
// narinfo and NAR files.
package helper

// NarInfoFilePath returns the path of the narinfo file given a hash.
func NarInfoFilePath(hash string) string { return hash + ".narinfo" }

// NarFilePath returns the path of the nar file given a hash and an optional
// compression codec.
func NarFilePath(hash, compression string) string {
	fn := hash + ".nar"
	if compression != "" {
		fn += "." + compression
	}

	return fn
}

// NarInfoURLPath returns the request path of the narinfo file given a hash.
func NarInfoURLPath(hash string) string { return "/" + hash + ".narinfo" }
