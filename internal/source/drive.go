package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// DriveScheme prefixes every remote drive path:
// gdrive://<folderId>[/<subfolderId>...]/<fileId>.
const DriveScheme = "gdrive://"

// smallObjectLimit is the size below which a full fetch is buffered in
// memory and the HTTP connection released immediately.
const smallObjectLimit = 1 << 20

// DrivePath is a parsed remote path.
type DrivePath struct {
	Folders []string
	FileID  string
}

// String renders the canonical form.
func (p DrivePath) String() string {
	parts := append(append([]string(nil), p.Folders...), p.FileID)
	return DriveScheme + strings.Join(parts, "/")
}

// ParseDrivePath splits a gdrive:// path into folder chain and object id.
// Empty segments are dropped; "." and ".." are rejected.
func ParseDrivePath(path string) (DrivePath, error) {
	if !strings.HasPrefix(path, DriveScheme) {
		return DrivePath{}, fmt.Errorf("%w: %q is not a drive path", ErrUnsupported, path)
	}
	var segs []string
	for _, s := range strings.Split(strings.TrimPrefix(path, DriveScheme), "/") {
		switch s {
		case "":
			continue
		case ".", "..":
			return DrivePath{}, fmt.Errorf("%w: %q contains a relative segment", ErrUnsupported, path)
		}
		segs = append(segs, s)
	}
	if len(segs) == 0 {
		return DrivePath{}, fmt.Errorf("%w: %q names no object", ErrUnsupported, path)
	}
	return DrivePath{Folders: segs[:len(segs)-1], FileID: segs[len(segs)-1]}, nil
}

// TokenSource yields the bearer token for drive requests. Obtaining and
// refreshing tokens happens outside this server.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Drive reads objects through the Drive v3 REST API.
type Drive struct {
	base   string
	tokens TokenSource
	client *http.Client
}

// NewDrive returns a drive backend talking to base (e.g.
// "https://www.googleapis.com/drive/v3"). A nil client gets a pooled
// go-cleanhttp client without a global timeout, since media bodies can
// stream for as long as a video plays.
func NewDrive(base string, tokens TokenSource, client *http.Client) *Drive {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &Drive{base: strings.TrimRight(base, "/"), tokens: tokens, client: client}
}

func (d *Drive) Kind() Kind { return KindRemoteDrive }

type driveFile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	MimeType      string `json:"mimeType"`
	Size          string `json:"size"`
	ModifiedTime  string `json:"modifiedTime"`
	ThumbnailLink string `json:"thumbnailLink"`
}

func (d *Drive) fileURL(id string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	q.Set("supportsAllDrives", "true")
	return d.base + "/files/" + url.PathEscape(id) + "?" + q.Encode()
}

func (d *Drive) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrBackend, err)
	}
	if d.tokens != nil {
		tok, err := d.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: token: %v", ErrBackend, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

func (d *Drive) file(ctx context.Context, path string) (driveFile, error) {
	dp, err := ParseDrivePath(path)
	if err != nil {
		return driveFile{}, err
	}
	q := url.Values{"fields": {"id,name,mimeType,size,modifiedTime,thumbnailLink"}}
	req, err := d.newRequest(ctx, d.fileURL(dp.FileID, q))
	if err != nil {
		return driveFile{}, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return driveFile{}, fmt.Errorf("%w: metadata %s: %v", ErrBackend, dp.FileID, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, dp.FileID); err != nil {
		return driveFile{}, err
	}

	var f driveFile
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return driveFile{}, fmt.Errorf("%w: decode metadata %s: %v", ErrBackend, dp.FileID, err)
	}
	return f, nil
}

// Metadata fetches size, MIME type and modification time. The API reports
// size as a decimal string.
func (d *Drive) Metadata(ctx context.Context, path string) (Metadata, error) {
	f, err := d.file(ctx, path)
	if err != nil {
		return Metadata{}, err
	}
	size, err := strconv.ParseInt(f.Size, 10, 64)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: object %s has no usable size %q", ErrBackend, f.ID, f.Size)
	}
	md := Metadata{Size: size, MimeType: f.MimeType}
	if md.MimeType == "" {
		md.MimeType = MimeByExtension(f.Name)
	}
	if md.MimeType == "" {
		md.MimeType = defaultMimeType
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		md.LastModified = t
	}
	return md, nil
}

// Open fetches the object body. Ranged reads use an HTTP Range request;
// small unranged objects are read fully and the connection released.
func (d *Drive) Open(ctx context.Context, path string, r *ByteRange) (*Stream, error) {
	dp, err := ParseDrivePath(path)
	if err != nil {
		return nil, err
	}
	req, err := d.newRequest(ctx, d.fileURL(dp.FileID, url.Values{"alt": {"media"}}))
	if err != nil {
		return nil, err
	}
	if r != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Start, r.End))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrBackend, dp.FileID, err)
	}
	if err := checkStatus(resp, dp.FileID); err != nil {
		resp.Body.Close()
		return nil, err
	}

	if r != nil {
		if resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: fetch %s: range ignored (status %d)", ErrBackend, dp.FileID, resp.StatusCode)
		}
		return &Stream{ReadCloser: resp.Body, Length: r.Len()}, nil
	}

	if resp.ContentLength >= 0 && resp.ContentLength <= smallObjectLimit {
		defer resp.Body.Close()
		buf, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrBackend, dp.FileID, err)
		}
		return &Stream{ReadCloser: io.NopCloser(bytes.NewReader(buf)), Length: int64(len(buf))}, nil
	}
	return &Stream{ReadCloser: resp.Body, Length: resp.ContentLength}, nil
}

// Parent drops the last path segment but never climbs above the root folder.
func (d *Drive) Parent(path string) string {
	dp, err := ParseDrivePath(path)
	if err != nil || len(dp.Folders) == 0 {
		return path
	}
	return DrivePath{Folders: dp.Folders[:len(dp.Folders)-1], FileID: dp.Folders[len(dp.Folders)-1]}.String()
}

// Resolve returns the canonical gdrive:// form.
func (d *Drive) Resolve(path string) (string, error) {
	dp, err := ParseDrivePath(path)
	if err != nil {
		return "", err
	}
	return dp.String(), nil
}

// Input points the encoder at the media download URL with the bearer token
// passed as a request header.
func (d *Drive) Input(ctx context.Context, path string) (Input, error) {
	dp, err := ParseDrivePath(path)
	if err != nil {
		return Input{}, err
	}
	in := Input{Locator: d.fileURL(dp.FileID, url.Values{"alt": {"media"}})}
	if d.tokens != nil {
		tok, err := d.tokens.Token(ctx)
		if err != nil {
			return Input{}, fmt.Errorf("%w: token: %v", ErrBackend, err)
		}
		in.Headers = []string{"Authorization: Bearer " + tok}
	}
	return in, nil
}

// Thumbnail downloads the provider-rendered preview.
func (d *Drive) Thumbnail(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := d.file(ctx, path)
	if err != nil {
		return nil, err
	}
	if f.ThumbnailLink == "" {
		return nil, fmt.Errorf("%w: object %s has no thumbnail", ErrNotFound, f.ID)
	}
	req, err := d.newRequest(ctx, f.ThumbnailLink)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: thumbnail %s: %v", ErrBackend, f.ID, err)
	}
	if err := checkStatus(resp, f.ID); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func checkStatus(resp *http.Response, id string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: drive object %s", ErrNotFound, id)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: drive object %s: status %d", ErrBackend, id, resp.StatusCode)
	}
	return nil
}
