package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"assetboard/internal/server/config"
	"assetboard/internal/server/service"
	"assetboard/internal/server/session"

	"github.com/labstack/echo/v4"
)

const (
	uploadSuccessMessage = "Asset uploaded successfully!"
	moderationWarning    = "Your content contained prohibited terms suggesting stolen or leaked content. " +
		"Your upload was processed but your IP has been banned for 30 minutes."
)

// indexPage is the data behind index.html.
type indexPage struct {
	Success       string
	Error         string
	Warning       string
	Posts         []service.PostView
	MaxNameLength int
	Accept        string
	Formats       string
}

// bannedPage is the data behind banned.html.
type bannedPage struct {
	Minutes int
	Seconds int
}

// Handler contains the HTTP handlers for the asset board.
type Handler struct {
	svc      *service.AssetService
	sessions *session.Manager
	cfg      *config.Config
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(svc *service.AssetService, sessions *session.Manager, cfg *config.Config) *Handler {
	return &Handler{svc: svc, sessions: sessions, cfg: cfg}
}

// HandleIndex handles GET and POST on /.
// It processes an upload, a download or a delete, in that order, and
// otherwise renders the board.
func (h *Handler) HandleIndex(c echo.Context) error {
	sess := sessionFrom(c)
	page := h.newIndexPage()
	status := http.StatusOK

	if c.Request().Method == http.MethodPost && c.FormValue("upload") != "" {
		status = h.upload(c, sess, &page)
	}

	if c.QueryParam("download") != "" && c.QueryParam("id") != "" {
		file, err := h.svc.Download(sess, c.QueryParam("id"))
		if err == nil {
			return streamAttachment(c, file)
		}
		// unknown ids and missing blobs fall through to the page
		if !errors.Is(err, service.ErrNotFound) && !errors.Is(err, service.ErrMissingFile) {
			slog.Error("download failed", "id", c.QueryParam("id"), "error", err)
		}
	}

	if c.QueryParam("delete") != "" && c.QueryParam("id") != "" {
		if err := h.svc.Delete(sess, c.QueryParam("id")); err != nil && !errors.Is(err, service.ErrNotFound) {
			slog.Error("delete failed", "id", c.QueryParam("id"), "error", err)
		}
		return c.Redirect(http.StatusFound, "/")
	}

	page.Posts = h.svc.List(sess)
	return c.Render(status, "index.html", page)
}

// upload runs one upload form submission and records the outcome on page.
func (h *Handler) upload(c echo.Context, sess *session.Session, page *indexPage) int {
	name := c.FormValue("name")
	description := c.FormValue("description")

	if h.svc.Moderate(sess, clientIPFrom(c), name, description) {
		page.Warning = moderationWarning
	}

	req := service.UploadRequest{Name: name, Description: description}

	asset, closeAsset, err := formFile(c, "asset")
	if err != nil {
		slog.Error("failed to read asset part", "error", err)
		page.Error = uploadMessage(service.ErrUploadFailed)
		return http.StatusInternalServerError
	}
	defer closeAsset()
	req.Asset = asset

	image, closeImage, err := formFile(c, "image")
	if err != nil {
		// the preview is optional
		slog.Info("preview image skipped", "reason", err)
	} else {
		defer closeImage()
		req.Image = image
	}

	if _, err := h.svc.Upload(sess, req); err != nil {
		page.Error = uploadMessage(err)
		return uploadStatus(err)
	}
	if page.Warning == "" {
		page.Success = uploadSuccessMessage
	}
	return http.StatusOK
}

// HandlePreview handles GET /uploads/images/:name.
func (h *Handler) HandlePreview(c echo.Context) error {
	file, err := h.svc.PreviewImage(sessionFrom(c), c.Param("name"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) || errors.Is(err, service.ErrMissingFile) {
			return c.String(http.StatusNotFound, "image not found")
		}
		slog.Error("failed to serve preview", "name", c.Param("name"), "error", err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}
	defer file.Body.Close()

	header := c.Response().Header()
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set(echo.HeaderContentLength, strconv.FormatInt(file.Size, 10))
	return c.Stream(http.StatusOK, file.ContentType, file.Body)
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including session store connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	storeStatus := "connected"

	if err := h.sessions.Store().HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		storeStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":        status,
		"session_store": storeStatus,
	})
}

func (h *Handler) newIndexPage() indexPage {
	return indexPage{
		MaxNameLength: service.MaxNameLength,
		Accept:        strings.Join(h.cfg.AllowedExtensions, ","),
		Formats:       strings.Join(h.cfg.AllowedExtensions, ", "),
	}
}

// streamAttachment sends file as a download.
func streamAttachment(c echo.Context, file *service.File) error {
	defer file.Body.Close()

	header := c.Response().Header()
	header.Set("Content-Description", "File Transfer")
	header.Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", file.Name))
	header.Set("Expires", "0")
	header.Set("Cache-Control", "must-revalidate")
	header.Set("Pragma", "public")
	header.Set(echo.HeaderContentLength, strconv.FormatInt(file.Size, 10))
	return c.Stream(http.StatusOK, file.ContentType, file.Body)
}

// formFile opens the named multipart file. A missing part yields a nil input
// and no error.
func formFile(c echo.Context, field string) (*service.FileInput, func(), error) {
	fh, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return nil, func() {}, nil
		}
		return nil, nil, err
	}
	src, err := fh.Open()
	if err != nil {
		return nil, nil, err
	}
	input := &service.FileInput{Filename: fh.Filename, Size: fh.Size, Content: src}
	return input, func() { src.Close() }, nil
}

// uploadMessage translates an upload error into the text shown on the page.
func uploadMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrNameRequired):
		return "Asset name is required."
	case errors.Is(err, service.ErrNameTooLong):
		return fmt.Sprintf("Asset name must be at most %d characters.", service.MaxNameLength)
	case errors.Is(err, service.ErrAssetRequired):
		return "Please choose an asset file to upload."
	case errors.Is(err, service.ErrInvalidExtension):
		return "Unsupported asset file type."
	case errors.Is(err, service.ErrFileTooLarge):
		return "Asset file exceeds the maximum allowed size."
	default:
		return "Failed to upload asset file."
	}
}

func uploadStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrNameRequired),
		errors.Is(err, service.ErrNameTooLong),
		errors.Is(err, service.ErrAssetRequired),
		errors.Is(err, service.ErrInvalidExtension),
		errors.Is(err, service.ErrFileTooLarge):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
