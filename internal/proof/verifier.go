// Package proof validates references to evidence objects submitted for a challenge.
package proof

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Folder is the object-storage prefix an upload lives under.
type Folder string

const (
	FolderProofs   Folder = "proofs"
	FolderProgress Folder = "progress"
)

var (
	// ErrInvalidRef is returned for references that are empty, malformed, or outside the challenge's folder.
	ErrInvalidRef = errors.New("proof: invalid reference")
	// ErrMissing is returned when the referenced object does not exist.
	ErrMissing = errors.New("proof: object not found")
)

// Verifier checks an uploaded object reference and returns its canonical form.
type Verifier interface {
	Verify(ctx context.Context, folder Folder, challengeID, ref string) (string, error)
}

// URLVerifier accepts any absolute http, https, or s3 URL without contacting storage.
type URLVerifier struct{}

func (URLVerifier) Verify(_ context.Context, _ Folder, _ string, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidRef, ref)
	}
	switch u.Scheme {
	case "http", "https", "s3":
		return u.String(), nil
	}
	return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRef, u.Scheme)
}
