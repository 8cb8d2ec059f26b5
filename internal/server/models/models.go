package models

import "time"

// Post represents one shared asset held in a browser session.
type Post struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	AssetFile   string    `json:"asset_file"`
	ImageFile   string    `json:"image_file"` // empty when no preview was stored
	ImageType   string    `json:"image_type,omitempty"`
	Checksum    string    `json:"checksum"`
	Size        int64     `json:"size"`
	UploadTime  time.Time `json:"upload_time"`
	Downloads   int       `json:"downloads"`
}

// BanRecord maps a client IP to the moment it was banned.
type BanRecord struct {
	IP       string
	BannedAt time.Time
}
