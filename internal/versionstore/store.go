// Package versionstore holds the Git-like, content-addressed commits that back
// snapshots and canonical baselines.
package versionstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("commit not found")

// Store is the Version Store contract. ReadCommit returns ErrNotFound when the
// ref/path pair was never written; transport failures wrap
// domain.ErrVersionStoreUnavailable.
type Store interface {
	WriteCommit(ctx context.Context, path string, payload []byte) (string, error)
	ReadCommit(ctx context.Context, ref, path string) ([]byte, error)
}

// CommitRef derives the 40-hex ref for a path and payload.
func CommitRef(path string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0x00})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))[:40]
}

func cleanPath(path string) (string, error) {
	p := strings.Trim(strings.TrimSpace(path), "/")
	if p == "" {
		return "", errors.New("path is required")
	}
	if strings.Contains(p, "..") {
		return "", errors.New("path must not contain '..'")
	}
	return p, nil
}

func objectKey(ref, path string) string {
	return "commits/" + ref + "/" + path
}

// CanonicalPath is where a canonical workflow's baseline definition lives.
func CanonicalPath(tenantID, canonicalID string) string {
	return "tenants/" + tenantID + "/canonical/" + canonicalID + ".json"
}
