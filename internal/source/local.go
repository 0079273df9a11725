package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

// Local serves media from a filesystem. Production uses afero.NewOsFs;
// tests swap in a MemMapFs or a spy.
type Local struct {
	fs afero.Fs
}

// NewLocal returns a local backend over fsys.
func NewLocal(fsys afero.Fs) *Local {
	return &Local{fs: fsys}
}

func (l *Local) Kind() Kind { return KindLocal }

// Metadata stats the file and resolves its MIME type, sniffing the content
// when the extension is unknown.
func (l *Local) Metadata(_ context.Context, path string) (Metadata, error) {
	info, err := l.fs.Stat(path)
	if err != nil {
		return Metadata{}, classifyFSError(path, err)
	}
	if info.IsDir() {
		return Metadata{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}

	md := Metadata{
		Size:         info.Size(),
		MimeType:     MimeByExtension(path),
		LastModified: info.ModTime(),
	}
	if md.MimeType == "" {
		md.MimeType = l.sniff(path)
	}
	return md, nil
}

func (l *Local) sniff(path string) string {
	f, err := l.fs.Open(path)
	if err != nil {
		return defaultMimeType
	}
	defer f.Close()
	if t := sniffMime(f); t != "" {
		return t
	}
	return defaultMimeType
}

// Open returns a handle positioned at r.Start and limited to r.Len bytes.
func (l *Local) Open(_ context.Context, path string, r *ByteRange) (*Stream, error) {
	f, err := l.fs.Open(path)
	if err != nil {
		return nil, classifyFSError(path, err)
	}

	if r == nil {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: stat %s: %v", ErrBackend, path, err)
		}
		return &Stream{ReadCloser: f, Length: info.Size()}, nil
	}

	if _, err := f.Seek(r.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: seek %s: %v", ErrBackend, path, err)
	}
	return &Stream{
		ReadCloser: limitedFile{Reader: io.LimitReader(f, r.Len()), Closer: f},
		Length:     r.Len(),
	}, nil
}

type limitedFile struct {
	io.Reader
	io.Closer
}

func (l *Local) Parent(path string) string {
	return filepath.Dir(filepath.Clean(path))
}

// Resolve cleans path and, on a real OS filesystem, follows symlinks.
// A path that does not exist yet resolves to its cleaned form.
func (l *Local) Resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %q is not absolute", ErrUnsupported, path)
	}
	clean := filepath.Clean(path)
	if _, ok := l.fs.(*afero.OsFs); !ok {
		return clean, nil
	}
	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return clean, nil
		}
		return "", fmt.Errorf("%w: resolve %s: %v", ErrBackend, path, err)
	}
	return resolved, nil
}

// Input hands the encoder the resolved filesystem path.
func (l *Local) Input(_ context.Context, path string) (Input, error) {
	p, err := l.Resolve(path)
	if err != nil {
		return Input{}, err
	}
	return Input{Locator: p}, nil
}

func classifyFSError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return fmt.Errorf("%w: %s: %v", ErrBackend, path, err)
}
