// Package media resolves attachment files named by templates and queued
// messages.
package media

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when the attachment file does not exist.
	ErrNotFound = errors.New("attachment not found")
	// ErrInvalidName is returned for names that are not a plain file name.
	ErrInvalidName = errors.New("invalid attachment name")
)

// Attachment is a loaded file ready to be uploaded by a transport.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// IsImage reports whether the attachment should be sent as an image.
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// Dir loads attachments from one directory on disk.
type Dir struct {
	root string
}

// NewDir returns a loader rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// ValidName reports whether name is a bare file name without path elements.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return filepath.Base(name) == name
}

// Load reads the named attachment.
func (d *Dir) Load(ctx context.Context, name string) (*Attachment, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(d.root, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read attachment %s: %w", name, err)
	}

	return &Attachment{
		Filename: name,
		MimeType: detectType(name, data),
		Data:     data,
	}, nil
}

func detectType(name string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return http.DetectContentType(data)
}
