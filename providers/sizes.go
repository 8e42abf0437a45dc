package providers

import (
	"fmt"
	"strconv"
	"strings"
)

// ratioSizes maps aspect-ratio aliases to pixel dimensions. Requests may
// carry either form; adapters always dispatch pixel dimensions.
var ratioSizes = map[string]string{
	"1:1":  "1024x1024",
	"4:3":  "1152x864",
	"3:4":  "864x1152",
	"16:9": "1280x720",
	"9:16": "720x1280",
	"3:2":  "1248x832",
	"2:3":  "832x1248",
	"21:9": "1512x648",
}

// ResolveSize maps a ratio alias to pixel dimensions. Values already in
// WxH form (or unrecognized) pass through unchanged.
func ResolveSize(size string) string {
	if px, ok := ratioSizes[size]; ok {
		return px
	}
	return size
}

// ParseSize splits a WxH size string into width and height.
func ParseSize(size string) (width, height int, err error) {
	size = ResolveSize(size)
	parts := strings.SplitN(strings.ToLower(size), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid size: %s", size)
	}
	width, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size: %s", size)
	}
	height, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size: %s", size)
	}
	return width, height, nil
}
