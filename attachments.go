package chatcore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxAttachmentBytes is the largest payload the default policy accepts.
	DefaultMaxAttachmentBytes int64 = 10 * 1024 * 1024
	// DefaultSignedURLTTL is the lifetime of attachment access URLs.
	DefaultSignedURLTTL = time.Hour
)

// DefaultAllowedTypes are the MIME types accepted by DefaultPolicy.
var DefaultAllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/heic",
	"application/pdf",
}

// AttachmentPolicy decides which attachments may be uploaded.
type AttachmentPolicy interface {
	MaxBytes() int64
	Allowed(mimeType string) bool
}

// StaticPolicy is a fixed size limit and MIME allow-list.
type StaticPolicy struct {
	Max   int64
	Types []string
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() *StaticPolicy {
	return &StaticPolicy{Max: DefaultMaxAttachmentBytes, Types: DefaultAllowedTypes}
}

func (p *StaticPolicy) MaxBytes() int64 { return p.Max }

func (p *StaticPolicy) Allowed(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	for _, t := range p.Types {
		if strings.EqualFold(t, mimeType) {
			return true
		}
	}
	return false
}

// AttachmentDescriptor describes a candidate attachment before upload.
type AttachmentDescriptor struct {
	Name     string
	MIMEType string
	Size     int64
}

// ValidatedDescriptor is a descriptor that passed the policy.
type ValidatedDescriptor struct {
	Name     string
	MIMEType string
	Size     int64
}

// ObjectStorage stores attachment bytes and issues time-limited access URLs.
type ObjectStorage interface {
	Upload(ctx context.Context, path string, data []byte, contentType string, metadata map[string]string) error
	SignURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// Attachments validates, uploads and resolves message attachments.
type Attachments struct {
	storage ObjectStorage
	settings
}

// NewAttachments creates an attachment pipeline backed by storage.
func NewAttachments(storage ObjectStorage, opts ...Option) *Attachments {
	return &Attachments{storage: storage, settings: newSettings(opts)}
}

// Validate checks a descriptor against the policy without touching the network.
// An empty MIME type is guessed from the file extension.
func (a *Attachments) Validate(desc AttachmentDescriptor) (ValidatedDescriptor, error) {
	name := strings.TrimSpace(desc.Name)
	if name == "" {
		return ValidatedDescriptor{}, &ValidationError{Field: "name", Reason: "file name is required"}
	}
	mimeType := strings.TrimSpace(desc.MIMEType)
	if mimeType == "" {
		mimeType = guessMimeType(name)
	}
	if !a.policy.Allowed(mimeType) {
		return ValidatedDescriptor{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("%s is not an accepted file type", mimeType)}
	}
	if desc.Size < 0 {
		return ValidatedDescriptor{}, &ValidationError{Field: "size", Reason: "size cannot be negative"}
	}
	if limit := a.policy.MaxBytes(); desc.Size > limit {
		return ValidatedDescriptor{}, &ValidationError{Field: "size", Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", desc.Size, limit)}
	}
	return ValidatedDescriptor{Name: name, MIMEType: mimeType, Size: desc.Size}, nil
}

// Upload validates desc, stores the payload under the conversation and returns
// a reference with an initial access URL. Failed uploads are not retried.
func (a *Attachments) Upload(ctx context.Context, payload io.Reader, desc AttachmentDescriptor, conversationID string) (*AttachmentRef, error) {
	v, err := a.Validate(desc)
	if err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, &ValidationError{Field: "conversation", Reason: "conversation id is required"}
	}

	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(payload, a.policy.MaxBytes()+1))
	if err != nil {
		a.metrics.upload("error")
		return nil, &TransportError{Op: "upload", Err: fmt.Errorf("read payload: %w", err)}
	}
	if n != v.Size {
		return nil, &ValidationError{Field: "size", Reason: fmt.Sprintf("payload has %d bytes, descriptor declares %d", n, v.Size)}
	}

	path := conversationID + "/" + a.newID() + "-" + sanitizeObjectName(v.Name)
	meta := map[string]string{
		"conversation_id": conversationID,
		"original_name":   v.Name,
	}
	if err := a.storage.Upload(ctx, path, buf.Bytes(), v.MIMEType, meta); err != nil {
		a.metrics.upload("error")
		a.log.Warn("attachment upload failed", zap.String("path", path), zap.Error(err))
		return nil, &TransportError{Op: "upload", Err: err}
	}
	a.metrics.upload("ok")

	ref := &AttachmentRef{Path: path, Name: v.Name, MIMEType: v.MIMEType, Size: v.Size}
	url, err := a.storage.SignURL(ctx, path, a.urlTTL)
	if err != nil {
		// The object is stored; the URL can be resolved again later.
		a.log.Warn("initial attachment url failed", zap.String("path", path), zap.Error(err))
		return ref, nil
	}
	ref.URL = url
	return ref, nil
}

// UploadFile uploads a local file, taking name and size from the filesystem.
func (a *Attachments) UploadFile(ctx context.Context, localPath, conversationID string) (*AttachmentRef, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat attachment: %w", err)
	}
	desc := AttachmentDescriptor{Name: filepath.Base(localPath), Size: info.Size()}
	return a.Upload(ctx, f, desc, conversationID)
}

// ResolveAccessURL issues a fresh access URL for a stored object.
func (a *Attachments) ResolveAccessURL(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", &ResolutionError{Op: "resolve_url", Err: ErrNotFound}
	}
	url, err := a.storage.SignURL(ctx, path, a.urlTTL)
	if err != nil {
		return "", &ResolutionError{Op: "resolve_url", Err: err}
	}
	return url, nil
}

type objectRemover interface {
	Remove(ctx context.Context, paths ...string) error
}

// Discard deletes an uploaded object that no message will reference. It is a
// no-op when the storage backend cannot delete.
func (a *Attachments) Discard(ctx context.Context, ref *AttachmentRef) error {
	r, ok := a.storage.(objectRemover)
	if !ok || ref == nil || ref.Path == "" {
		return nil
	}
	return r.Remove(ctx, ref.Path)
}

// sanitizeObjectName keeps object keys flat and free of whitespace.
func sanitizeObjectName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '?' || r == '#' || r == '%':
			return '_'
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			return '-'
		}
		return r
	}, name)
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".heic": "image/heic", ".heif": "image/heif",
		".webp": "image/webp", ".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
