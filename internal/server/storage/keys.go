package storage

import (
	"fmt"
	"path"
)

// ImagesDir is the subdirectory holding preview images.
const ImagesDir = "images"

// AssetKey builds the key for an asset uploaded at unix time ts. A non-zero
// seq disambiguates uploads of the same name within one second.
func AssetKey(ts int64, seq int, name string) string {
	if seq == 0 {
		return fmt.Sprintf("%d_%s", ts, name)
	}
	return fmt.Sprintf("%d_%d_%s", ts, seq, name)
}

// ImageKey builds the key for a preview image.
func ImageKey(ts int64, seq int, name string) string {
	return path.Join(ImagesDir, AssetKey(ts, seq, name))
}
