package client

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultExtensions are the asset types the board accepts out of the box.
var DefaultExtensions = []string{".rbxm", ".rbxl", ".lua", ".txt", ".json"}

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

// ParseAsset checks the positional arguments name exactly one regular file
// with an allowed extension and returns its cleaned path.
func ParseAsset(args []string, allowed []string) (string, error) {
	if len(args) == 0 {
		return "", &ValidationError{Arg: "<file>", Cause: "no file provided"}
	}
	if len(args) > 1 {
		return "", &ValidationError{Arg: args[1], Cause: "only one file can be uploaded at a time"}
	}

	raw := args[0]
	p := filepath.Clean(raw)
	info, err := os.Stat(p)
	if err != nil {
		return "", &ValidationError{Arg: raw, Cause: "not found or not accessible"}
	}
	if !info.Mode().IsRegular() {
		return "", &ValidationError{Arg: raw, Cause: "not a regular file"}
	}

	ext := strings.ToLower(filepath.Ext(p))
	if !slices.Contains(allowed, ext) {
		return "", &ValidationError{
			Arg:   raw,
			Cause: fmt.Sprintf("unsupported file type, expected one of %s", strings.Join(allowed, ", ")),
		}
	}

	return p, nil
}

// ParseImage checks an optional preview image path.
func ParseImage(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	p := filepath.Clean(raw)
	info, err := os.Stat(p)
	if err != nil {
		return "", &ValidationError{Arg: raw, Cause: "not found or not accessible"}
	}
	if !info.Mode().IsRegular() {
		return "", &ValidationError{Arg: raw, Cause: "not a regular file"}
	}
	return p, nil
}
