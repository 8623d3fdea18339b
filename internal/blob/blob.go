// Package blob stores verification documents and agency attachments. The
// workflow keeps only the returned keys.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"etdflow/internal/domain"
)

var ErrNotFound = errors.New("blob not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// DocumentKey returns a fresh key for an application's verification
// document. Every write gets its own key so an aborted write never clobbers
// a committed one.
func DocumentKey(applicationID string) string {
	return path.Join("applications", applicationID, "verification-document", uuid.NewString())
}

// AttachmentKey returns a fresh key for an agency attachment.
func AttachmentKey(applicationID string, agency domain.Agency) string {
	return path.Join("applications", applicationID, "attachments", string(agency), uuid.NewString())
}

// ValidateKey rejects keys that could escape the store root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "" {
			return fmt.Errorf("invalid blob key %q", key)
		}
	}
	return nil
}
