// Package authz decides whether a requested media path may be served.
package authz

import (
	"context"
	"net/http"
	"strings"

	"media-streamer/internal/source"
)

// Decision is the outcome of one authorization check. When Allowed is false
// StatusCode and Message are sent to the client verbatim.
type Decision struct {
	Allowed       bool
	CanonicalPath string
	StatusCode    int
	Message       string
}

// Authorizer checks raw client-supplied paths.
type Authorizer interface {
	Authorize(ctx context.Context, raw string) Decision
}

// Directory is one entry of the media catalog.
type Directory struct {
	Path     string
	IsActive bool
}

// DirectoryProvider lists the directories the client has configured.
type DirectoryProvider interface {
	ListActiveDirectories(ctx context.Context) ([]Directory, error)
}

// StaticDirectories is a fixed catalog, e.g. from MEDIA_ROOTS.
type StaticDirectories []string

func (s StaticDirectories) ListActiveDirectories(context.Context) ([]Directory, error) {
	out := make([]Directory, 0, len(s))
	for _, p := range s {
		out = append(out, Directory{Path: p, IsActive: true})
	}
	return out, nil
}

// AllowList permits a path when its canonical form sits inside an active
// directory. Canonical forms and parents come from the backend that owns
// the path, so authorization and serving agree on what a path means.
type AllowList struct {
	dirs    DirectoryProvider
	sources *source.Registry
}

// NewAllowList returns an AllowList backed by dirs, resolving paths through sources.
func NewAllowList(dirs DirectoryProvider, sources *source.Registry) *AllowList {
	return &AllowList{dirs: dirs, sources: sources}
}

func deny(code int, msg string) Decision {
	return Decision{StatusCode: code, Message: msg}
}

// Authorize implements Authorizer.
func (a *AllowList) Authorize(ctx context.Context, raw string) Decision {
	if strings.TrimSpace(raw) == "" {
		return deny(http.StatusBadRequest, "missing file parameter")
	}
	if strings.ContainsRune(raw, 0) {
		return deny(http.StatusBadRequest, "invalid file parameter")
	}

	kind, err := source.KindOf(raw)
	if err != nil {
		return deny(http.StatusBadRequest, "unsupported path")
	}
	src, err := a.sources.For(raw)
	if err != nil {
		return deny(http.StatusBadRequest, "unsupported path")
	}
	canonical, err := src.Resolve(raw)
	if err != nil {
		return deny(http.StatusBadRequest, "unsupported path")
	}

	dirs, err := a.dirs.ListActiveDirectories(ctx)
	if err != nil {
		return deny(http.StatusInternalServerError, "authorization unavailable")
	}
	for _, d := range dirs {
		if !d.IsActive {
			continue
		}
		if k, err := source.KindOf(d.Path); err != nil || k != kind {
			continue
		}
		root, err := src.Resolve(d.Path)
		if err != nil {
			continue
		}
		if within(src, root, canonical) {
			return Decision{Allowed: true, CanonicalPath: canonical, StatusCode: http.StatusOK}
		}
	}
	return deny(http.StatusForbidden, "access denied")
}

// within walks target up through its parents until it reaches root or the
// top of the backend's namespace.
//
// A drive path carries its folder chain in the path itself, as asserted by
// the client. The walk only proves the chain names root; it does not ask the
// provider whether the object really lives under that folder.
func within(src source.Source, root, target string) bool {
	for p := target; ; {
		if p == root {
			return true
		}
		next := src.Parent(p)
		if next == p {
			return false
		}
		p = next
	}
}
