package evaluator

import (
	_ "crypto/sha256" // registers sha256 for go-digest
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// ResolveRoot turns a channel root into the path it currently points at.
// Lookup paths such as <nixpkgs> are resolved through NIX_PATH; symlinks are
// followed so that a channel upgrade yields a different store path.
func ResolveRoot(root string) (string, error) {
	path := root
	if strings.HasPrefix(root, "<") && strings.HasSuffix(root, ">") {
		p, err := lookupNixPath(strings.Trim(root, "<>"), os.Getenv("NIX_PATH"))
		if err != nil {
			return "", err
		}
		path = p
	}
	return filepath.EvalSymlinks(path)
}

// lookupNixPath resolves name (possibly "nixpkgs/lib") against NIX_PATH
// entries, which are either "prefix=path" or a directory to search in.
func lookupNixPath(name, nixPath string) (string, error) {
	head, rest, _ := strings.Cut(name, "/")
	for _, entry := range strings.Split(nixPath, ":") {
		if entry == "" {
			continue
		}
		var candidate string
		if prefix, dir, ok := strings.Cut(entry, "="); ok {
			switch {
			case prefix == name:
				candidate = dir
			case prefix == head:
				candidate = filepath.Join(dir, rest)
			default:
				continue
			}
		} else {
			candidate = filepath.Join(entry, name)
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", os.ErrNotExist
}

// Fingerprint identifies the expression tree a channel root resolves to.
// An unresolvable root is fingerprinted by its literal text.
func Fingerprint(root string) digest.Digest {
	resolved, err := ResolveRoot(root)
	if err != nil {
		resolved = root
	}
	return digest.FromString(resolved)
}
