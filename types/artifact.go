package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Artifact is one immutable version of a named document. Name, Version,
// Content and Hash never change after creation; new content under the
// same name produces a new version.
type Artifact struct {
	Name       string    `json:"name"`
	Version    int       `json:"version"`
	Content    string    `json:"content"`
	Hash       string    `json:"hash"`
	ProducedBy string    `json:"produced_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Ref returns the lightweight reference for the artifact.
func (a *Artifact) Ref() ArtifactRef {
	return ArtifactRef{Name: a.Name, Version: a.Version, Hash: a.Hash}
}

// ArtifactRef identifies a specific artifact version without its content.
type ArtifactRef struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Hash    string `json:"hash"`
}

// HashContent returns the hex-encoded sha256 digest of the content.
// The same content always hashes to the same value, which is what makes
// artifact writes idempotent.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
