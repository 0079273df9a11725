// Package source abstracts the storage backends media is read from.
//
// A path selects exactly one backend by syntax alone: paths starting with
// DriveScheme belong to the remote drive, absolute filesystem paths belong
// to the local disk, and anything else is rejected.
package source

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound means the backend has no object at the path.
	ErrNotFound = errors.New("media not found")
	// ErrBackend wraps any other backend failure (I/O, remote API).
	ErrBackend = errors.New("storage backend error")
	// ErrUnsupported is returned for paths no backend accepts, or for a
	// backend that is not configured.
	ErrUnsupported = errors.New("unsupported media path")
)

// Kind tags the backend variant.
type Kind int

const (
	KindLocal Kind = iota
	KindRemoteDrive
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemoteDrive:
		return "drive"
	default:
		return "unknown"
	}
}

// KindOf classifies a path without touching any backend.
func KindOf(path string) (Kind, error) {
	switch {
	case strings.HasPrefix(path, DriveScheme):
		return KindRemoteDrive, nil
	case path != "" && filepath.IsAbs(path):
		return KindLocal, nil
	default:
		return 0, ErrUnsupported
	}
}

// Metadata describes one object.
type Metadata struct {
	Size         int64
	MimeType     string
	LastModified time.Time
}

// ByteRange is an inclusive [Start, End] interval.
type ByteRange struct {
	Start int64
	End   int64
}

// Len is the number of bytes covered.
func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

// Stream is an open read handle. The caller owns it and must Close it;
// closing releases the file descriptor or aborts the remote fetch.
type Stream struct {
	io.ReadCloser
	// Length is the number of bytes the stream will yield, or -1 if unknown.
	Length int64
}

// Input tells the encoder how to read an object.
type Input struct {
	// Locator is a filesystem path or a URL.
	Locator string
	// Headers are HTTP request headers for URL locators ("Key: value").
	Headers []string
}

// Source is the capability set every backend provides.
type Source interface {
	Kind() Kind
	Metadata(ctx context.Context, path string) (Metadata, error)
	// Open returns the whole object when r is nil, otherwise exactly r.
	Open(ctx context.Context, path string, r *ByteRange) (*Stream, error)
	Parent(path string) string
	Resolve(path string) (string, error)
	Input(ctx context.Context, path string) (Input, error)
}

// Thumbnailer is implemented by backends that can hand out a
// provider-rendered preview image.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, path string) (io.ReadCloser, error)
}

// Registry holds one Source per Kind and dispatches paths to them.
type Registry struct {
	local Source
	drive Source
}

// NewRegistry builds a Registry. drive may be nil when no remote backend is configured.
func NewRegistry(local, drive Source) *Registry {
	return &Registry{local: local, drive: drive}
}

// For returns the backend that owns path.
func (r *Registry) For(path string) (Source, error) {
	kind, err := KindOf(path)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindRemoteDrive:
		if r.drive == nil {
			return nil, ErrUnsupported
		}
		return r.drive, nil
	default:
		if r.local == nil {
			return nil, ErrUnsupported
		}
		return r.local, nil
	}
}
