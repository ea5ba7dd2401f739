package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Vault is implemented by context values that know which vault a request
// operates on. Vault tools prefer it over their constructor root.
type Vault interface {
	VaultRoot() string
}

// vault is the filesystem view shared by the vault tools.
type vault struct {
	fs   afero.Fs
	root string
}

func newVault(fs afero.Fs, root string) vault {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return vault{fs: fs, root: root}
}

// rootFor picks the vault directory for one invocation.
func (v vault) rootFor(opts Options) string {
	if c, ok := opts.Context.(Vault); ok && c.VaultRoot() != "" {
		return c.VaultRoot()
	}
	return v.root
}

// resolve joins a vault-relative path onto root and rejects anything that
// lands outside of it.
func resolve(root, path string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no vault configured")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve vault root: %w", err)
	}

	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(absRoot, path)
	}
	full = filepath.Clean(full)

	rel, err := filepath.Rel(absRoot, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the vault", path)
	}
	return full, nil
}

// hidden reports whether a vault entry should be skipped by walks. This
// covers .obsidian, .trash and other dot directories.
func hidden(info os.FileInfo) bool {
	return strings.HasPrefix(info.Name(), ".")
}

// relative renders full relative to root with forward slashes, the way
// notes are linked inside a vault.
func relative(root, full string) string {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return full
	}
	rel, err := filepath.Rel(absRoot, full)
	if err != nil {
		return full
	}
	return filepath.ToSlash(rel)
}
