package service

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"assetboard/internal/server/config"
	"assetboard/internal/server/models"
	"assetboard/internal/server/session"
	"assetboard/internal/server/storage"

	"golang.org/x/crypto/blake2b"
)

// Sentinel errors for the service layer.
var (
	ErrUploadFailed     = errors.New("failed to upload asset file")
	ErrNameRequired     = errors.New("asset name is required")
	ErrNameTooLong      = errors.New("asset name is too long")
	ErrAssetRequired    = errors.New("asset file is required")
	ErrInvalidExtension = errors.New("asset file type is not supported")
	ErrFileTooLarge     = errors.New("file exceeds maximum allowed size")
	ErrNotFound         = errors.New("post not found")
	ErrMissingFile      = errors.New("asset file is missing")
)

// MaxNameLength is the longest accepted asset name, in characters.
const MaxNameLength = 100

// maxKeyAttempts bounds the search for a free storage key.
const maxKeyAttempts = 1000

// FileInput is one uploaded file from the form.
type FileInput struct {
	Filename string
	Size     int64
	Content  io.Reader
}

// UploadRequest carries the fields of an upload form.
type UploadRequest struct {
	Name        string
	Description string
	Asset       *FileInput
	Image       *FileInput // optional preview
}

// PostView is a post prepared for the listing.
type PostView struct {
	models.Post
	HasPreview bool
}

// File is a stored file opened for streaming to a client.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Body        io.ReadCloser
}

// AssetService contains the business logic of the board. It operates on the
// session passed into each call; it keeps no per-user state of its own.
type AssetService struct {
	store storage.Store
	cfg   *config.Config
	now   func() time.Time
}

// NewAssetService creates a new asset service.
func NewAssetService(store storage.Store, cfg *config.Config) *AssetService {
	return &AssetService{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Upload validates the form, stores the asset and optional preview, and
// appends a new post to the session.
func (s *AssetService) Upload(sess *session.Session, req UploadRequest) (*models.Post, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrNameRequired
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, ErrNameTooLong
	}
	if req.Asset == nil || req.Asset.Filename == "" {
		return nil, ErrAssetRequired
	}

	filename := sanitizeFilename(req.Asset.Filename)
	ext := strings.ToLower(filepath.Ext(filename))
	if !slices.Contains(s.cfg.AllowedExtensions, ext) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidExtension, ext)
	}
	if req.Asset.Size > s.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}

	now := s.now()

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create hasher: %w", err)
	}
	limited := io.LimitReader(req.Asset.Content, s.cfg.MaxFileSize+1)
	assetKey, size, err := s.saveUnique(storage.AssetKey, now.Unix(), filename, io.TeeReader(limited, hasher))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if size > s.cfg.MaxFileSize {
		// the declared size was wrong; drop what was written
		if err := s.store.Delete(assetKey); err != nil {
			slog.Error("failed to delete oversized upload", "key", assetKey, "error", err)
		}
		return nil, ErrFileTooLarge
	}
	checksum := hex.EncodeToString(hasher.Sum(nil))

	for _, existing := range sess.Posts {
		if existing.Checksum == checksum {
			slog.Info("duplicate asset detected",
				"session_id", sess.ID,
				"existing_post", existing.ID,
				"checksum", checksum,
			)
			break
		}
	}

	imageKey, imageType := s.saveImage(now, req.Image)

	post := models.Post{
		ID:          s.newPostID(sess, now),
		Name:        name,
		Description: req.Description,
		AssetFile:   assetKey,
		ImageFile:   imageKey,
		ImageType:   imageType,
		Checksum:    checksum,
		Size:        size,
		UploadTime:  now,
		Downloads:   0,
	}
	sess.Posts = append(sess.Posts, post)

	slog.Info("upload processed",
		"id", post.ID,
		"session_id", sess.ID,
		"asset", assetKey,
		"image", imageKey,
		"size", size,
		"checksum", checksum,
	)

	return &post, nil
}

// saveImage stores the optional preview. Any problem just leaves the post
// without a preview.
func (s *AssetService) saveImage(now time.Time, img *FileInput) (key, contentType string) {
	if img == nil || img.Filename == "" {
		return "", ""
	}
	if img.Size > s.cfg.MaxFileSize {
		slog.Info("preview image skipped", "reason", "too large", "size", img.Size)
		return "", ""
	}

	br := bufio.NewReaderSize(img.Content, 512)
	head, _ := br.Peek(512)
	contentType = http.DetectContentType(head)
	if !strings.HasPrefix(contentType, "image/") {
		slog.Info("preview image skipped", "reason", "not an image", "content_type", contentType)
		return "", ""
	}

	key, n, err := s.saveUnique(storage.ImageKey, now.Unix(), sanitizeFilename(img.Filename), io.LimitReader(br, s.cfg.MaxFileSize+1))
	if err != nil {
		slog.Error("failed to store preview image", "key", key, "error", err)
		return "", ""
	}
	if n > s.cfg.MaxFileSize {
		if err := s.store.Delete(key); err != nil {
			slog.Error("failed to delete oversized upload", "key", key, "error", err)
		}
		slog.Info("preview image skipped", "reason", "too large", "size", n)
		return "", ""
	}
	return key, contentType
}

// List returns the session's posts, most recent first.
func (s *AssetService) List(sess *session.Session) []PostView {
	views := make([]PostView, 0, len(sess.Posts))
	for i := len(sess.Posts) - 1; i >= 0; i-- {
		post := sess.Posts[i]
		views = append(views, PostView{
			Post:       post,
			HasPreview: post.ImageFile != "" && s.store.Exists(post.ImageFile),
		})
	}
	return views
}

// Download opens the asset of post id and counts the download.
func (s *AssetService) Download(sess *session.Session, id string) (*File, error) {
	i := sess.FindPost(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	post := &sess.Posts[i]

	body, size, err := s.store.Open(post.AssetFile)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrMissingFile
		}
		return nil, fmt.Errorf("failed to open asset: %w", err)
	}

	post.Downloads++
	slog.Info("asset downloaded", "id", post.ID, "downloads", post.Downloads)

	return &File{
		Name:        path.Base(post.AssetFile),
		Size:        size,
		ContentType: "application/octet-stream",
		Body:        body,
	}, nil
}

// Delete removes post id and its files. File errors are logged, not returned.
func (s *AssetService) Delete(sess *session.Session, id string) error {
	i := sess.FindPost(id)
	if i < 0 {
		return ErrNotFound
	}
	post := sess.RemovePost(i)

	if err := s.store.Delete(post.AssetFile); err != nil {
		slog.Error("failed to delete asset from storage", "id", id, "error", err)
	}
	if post.ImageFile != "" {
		if err := s.store.Delete(post.ImageFile); err != nil {
			slog.Error("failed to delete image from storage", "id", id, "error", err)
		}
	}

	slog.Info("post deleted", "id", id, "name", post.Name)
	return nil
}

// PreviewImage opens the preview named name, provided a post of this
// session references it.
func (s *AssetService) PreviewImage(sess *session.Session, name string) (*File, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, ErrNotFound
	}
	key := path.Join(storage.ImagesDir, name)

	for _, post := range sess.Posts {
		if post.ImageFile != key {
			continue
		}
		body, size, err := s.store.Open(key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrMissingFile
			}
			return nil, fmt.Errorf("failed to open image: %w", err)
		}
		return &File{Name: name, Size: size, ContentType: post.ImageType, Body: body}, nil
	}
	return nil, ErrNotFound
}

// --- Helpers ---

// saveUnique writes r under the first key the store accepts, bumping the
// sequence number each time the store reports the key as taken.
func (s *AssetService) saveUnique(build func(ts int64, seq int, name string) string, ts int64, name string, r io.Reader) (string, int64, error) {
	var key string
	for seq := 0; seq < maxKeyAttempts; seq++ {
		key = build(ts, seq, name)
		n, err := s.store.Save(key, r)
		if errors.Is(err, storage.ErrExists) {
			continue
		}
		return key, n, err
	}
	return key, 0, fmt.Errorf("no free storage key for %q", name)
}

// newPostID combines the upload time with a random four digit suffix,
// retrying until the id is unused in the session.
func (s *AssetService) newPostID(sess *session.Session, now time.Time) string {
	for {
		id := fmt.Sprintf("%d%d", now.Unix(), 1000+rand.IntN(9000))
		if sess.FindPost(id) < 0 {
			return id
		}
	}
}

// sanitizeFilename strips directory components, characters that would break
// a Content-Disposition header, and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling path.Base.
	name = strings.ReplaceAll(name, "\\", "/")

	// Take only the base name
	name = path.Base(name)

	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return '_'
		}
		return r
	}, name)

	// Limit length
	if len(name) > 200 {
		ext := filepath.Ext(name)
		if len(ext) > 20 {
			ext = ""
		}
		cut := 200 - len(ext)
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut] + ext
	}

	if name == "" || name == "." || name == "/" || name == ".." {
		name = "asset"
	}

	return name
}
