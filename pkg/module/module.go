// Package module defines the Module data type, the remote manifest wire
// format, and the dynamic-loading contract a kiwi module plugin must
// satisfy.
package module

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// NamePattern is the syntax a module name must match: letters, digits and
// dashes.
var NamePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidName reports whether name is a syntactically valid module name.
func ValidName(name string) bool {
	return name != "" && NamePattern.MatchString(name)
}

// Module is a named, locally-installed unit: a directory under
// modules_dir/<name> holding a client plugin, an optional server plugin,
// and arbitrary module-private files.
type Module struct {
	Name         string
	Description  string
	Dependencies []string
	HasClient    bool
	HasServer    bool
	Files        map[string]string // relpath -> sha256 hex digest
}

// IsInstalled reports whether the module has any local files at all.
func (m *Module) IsInstalled() bool { return len(m.Files) > 0 }

// Manifest is the JSON document served at remote.base_url + remote.modules_path.
type Manifest struct {
	Modules []ManifestModule `json:"modules"`
}

// ManifestModule describes one module's remote file set.
type ManifestModule struct {
	Name string             `json:"name"`
	Files []ManifestFile    `json:"files"`
	// Dependencies mirrors the module's declared KiwiDependencies so the
	// Catalog can compute a dependency closure from the manifest alone,
	// without loading every fetched module's plugin first.
	Dependencies []string `json:"kiwi_dependencies,omitempty"`
}

// ManifestFile is one file entry of a ManifestModule.
type ManifestFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// FileMap returns the manifest module's files as a relpath->hash map, the
// shape the Catalog compares against local file hashes.
func (mm ManifestModule) FileMap() map[string]string {
	out := make(map[string]string, len(mm.Files))
	for _, f := range mm.Files {
		out[f.Path] = f.SHA256
	}
	return out
}

// Sha256Hex hashes raw bytes with SHA-256 and hex-encodes the digest. Kiwi
// hashes raw bytes, never text-normalized content, so client and server
// hashing is always identical for the same file.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EntryPointFile returns the plugin filename for a module's client or
// server half.
func EntryPointFile(client bool) string {
	if client {
		return "client.so"
	}
	return "server.so"
}

// DescribeMissing formats a human message for a missing required entry
// point, used by the Loader's module-invalid error path.
func DescribeMissing(name string, client bool) string {
	half := "client"
	if !client {
		half = "server"
	}
	return fmt.Sprintf("module %q has no %s entry point", name, half)
}
