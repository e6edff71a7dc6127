package domain

import "time"

// Kind distinguishes the two artifact types shown in the gallery.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// AspectRatio is the target frame shape requested from the provider.
type AspectRatio string

const (
	AspectSquare    AspectRatio = "1:1"
	AspectPortrait  AspectRatio = "3:4"
	AspectLandscape AspectRatio = "4:3"
	AspectTall      AspectRatio = "9:16"
	AspectWide      AspectRatio = "16:9"
)

// AspectRatios lists every accepted ratio in display order.
var AspectRatios = []AspectRatio{AspectSquare, AspectPortrait, AspectLandscape, AspectTall, AspectWide}

func (a AspectRatio) Valid() bool {
	for _, r := range AspectRatios {
		if a == r {
			return true
		}
	}
	return false
}

// Portrait reports whether the ratio is taller than it is wide.
func (a AspectRatio) Portrait() bool {
	return a == AspectPortrait || a == AspectTall
}

// ImageSize is the resolution tier requested for generated images.
type ImageSize string

const (
	Size1K ImageSize = "1K"
	Size2K ImageSize = "2K"
	Size4K ImageSize = "4K"
)

var ImageSizes = []ImageSize{Size1K, Size2K, Size4K}

func (s ImageSize) Valid() bool {
	for _, v := range ImageSizes {
		if s == v {
			return true
		}
	}
	return false
}

// Metadata holds the optional generation parameters of an artifact.
type Metadata struct {
	AspectRatio AspectRatio `json:"aspectRatio,omitempty"`
	Size        ImageSize   `json:"size,omitempty"`
	ParentID    string      `json:"parentImageId,omitempty"`
}

// Media is one generated artifact. Records are immutable once created.
type Media struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"type"`
	URL       string    `json:"url"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata"`
}

// ContentPath is the service-local reference under which the raw bytes of a
// media record are served.
func ContentPath(id string) string {
	return "/media/" + id + "/content"
}

// Blob is the raw content of an artifact.
type Blob struct {
	MIMEType string
	Data     []byte
}
