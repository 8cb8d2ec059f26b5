package client

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Outcome classifies the board's answer to an upload.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeWarning         // uploaded, but the name or description tripped moderation
	OutcomeFailed
	OutcomeBanned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeWarning:
		return "warning"
	case OutcomeFailed:
		return "failed"
	case OutcomeBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// ErrNoOutcome is returned when the response page carries no recognizable
// result.
var ErrNoOutcome = errors.New("response did not contain an upload result")

// maxPageSize bounds how much of the response page is read.
const maxPageSize = 4 << 20

var alertPattern = regexp.MustCompile(`(?s)<div class="alert alert-(success|danger|warning)"><strong>[^<]*</strong>\s*(.*?)</div>`)

// Upload describes one asset to send.
type Upload struct {
	Name        string
	Description string
	AssetPath   string
	ImagePath   string // optional
}

// Result is what the board reported.
type Result struct {
	StatusCode int
	Outcome    Outcome
	Message    string
}

// Client posts uploads to an asset board.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a client for the board at baseURL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Upload sends u as the board's upload form and interprets the page it
// returns.
func (c *Client) Upload(ctx context.Context, u Upload) (*Result, error) {
	asset, err := os.Open(u.AssetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open asset: %w", err)
	}
	defer asset.Close()

	var image *os.File
	if u.ImagePath != "" {
		image, err = os.Open(u.ImagePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open image: %w", err)
		}
		defer image.Close()
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeForm(mw, u, asset, image))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/", pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return parseResult(resp.StatusCode, string(body))
}

func writeForm(mw *multipart.Writer, u Upload, asset, image *os.File) error {
	fields := [][2]string{
		{"upload", "1"},
		{"name", u.Name},
		{"description", u.Description},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	if err := writeFile(mw, "asset", asset); err != nil {
		return err
	}
	if image != nil {
		if err := writeFile(mw, "image", image); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeFile(mw *multipart.Writer, field string, f *os.File) error {
	part, err := mw.CreateFormFile(field, filepath.Base(f.Name()))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// parseResult reads the outcome from the status code and the alerts on
// the returned page.
func parseResult(status int, page string) (*Result, error) {
	res := &Result{StatusCode: status}

	if status == http.StatusForbidden {
		res.Outcome = OutcomeBanned
		res.Message = "access denied: this IP is temporarily banned"
		return res, nil
	}

	alerts := make(map[string]string)
	for _, m := range alertPattern.FindAllStringSubmatch(page, -1) {
		alerts[m[1]] = strings.TrimSpace(html.UnescapeString(m[2]))
	}

	switch {
	case alerts["danger"] != "":
		res.Outcome = OutcomeFailed
		res.Message = alerts["danger"]
	case alerts["warning"] != "":
		res.Outcome = OutcomeWarning
		res.Message = alerts["warning"]
	case status >= 400:
		res.Outcome = OutcomeFailed
		res.Message = fmt.Sprintf("server returned %s", http.StatusText(status))
	case alerts["success"] != "":
		res.Outcome = OutcomeSuccess
		res.Message = alerts["success"]
	default:
		return nil, fmt.Errorf("%w (status %d)", ErrNoOutcome, status)
	}
	return res, nil
}
