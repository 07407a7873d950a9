package types

import (
	"fmt"
	"strings"
)

// DefaultTag is used when an ImageRef has no tag
const DefaultTag = "latest"

// ImageRef names an image built by the test environment
type ImageRef struct {
	Name string
	Tag  string
}

// String returns name:tag
func (r ImageRef) String() string {
	tag := r.Tag
	if tag == "" {
		tag = DefaultTag
	}
	return r.Name + ":" + tag
}

// ParseImageRef splits "name[:tag]". A colon belonging to a registry port
// (one followed by a '/') is not treated as the tag separator.
func ParseImageRef(s string) (ImageRef, error) {
	if s == "" {
		return ImageRef{}, fmt.Errorf("empty image reference")
	}
	i := strings.LastIndex(s, ":")
	if i < 0 || strings.Contains(s[i+1:], "/") {
		return ImageRef{Name: s, Tag: DefaultTag}, nil
	}
	if i == 0 {
		return ImageRef{}, fmt.Errorf("image reference %q has no name", s)
	}
	tag := s[i+1:]
	if tag == "" {
		tag = DefaultTag
	}
	return ImageRef{Name: s[:i], Tag: tag}, nil
}
