// Package auth decides which bus addresses inbound requests may reach.
package auth

import (
	"fmt"
	"regexp"
	"slices"
)

const (
	MediaTypeJSON = "application/json"
	MediaTypeXML  = "application/xml"
)

// Whitelist is the inbound rule set. It is built once at startup and is
// safe for concurrent reads.
type Whitelist struct {
	addresses []string
	patterns  []*regexp.Regexp
}

// NewWhitelist compiles the inbound rules. Patterns must match the whole
// address, so each one is anchored on both ends.
func NewWhitelist(addresses, patterns []string) (*Whitelist, error) {
	w := &Whitelist{
		addresses: slices.Clone(addresses),
		patterns:  make([]*regexp.Regexp, 0, len(patterns)),
	}

	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)$`)
		if err != nil {
			return nil, fmt.Errorf("compiling address pattern %q: %w", p, err)
		}
		w.patterns = append(w.patterns, re)
	}

	return w, nil
}

// IsAuthorized reports whether address equals a configured literal or is
// fully matched by a configured pattern. A nil whitelist authorizes nothing.
func (w *Whitelist) IsAuthorized(address string) bool {
	if w == nil {
		return false
	}

	if slices.Contains(w.addresses, address) {
		return true
	}

	for _, re := range w.patterns {
		if re.MatchString(address) {
			return true
		}
	}

	return false
}

// IsSupportedReplyMediaType accepts an absent media type, JSON, or XML.
// The comparison is exact.
func IsSupportedReplyMediaType(mediaType string) bool {
	return mediaType == "" || mediaType == MediaTypeJSON || mediaType == MediaTypeXML
}

// ReplyMediaType resolves the media type a reply is serialized with.
func ReplyMediaType(mediaType string) string {
	if mediaType == "" {
		return MediaTypeJSON
	}
	return mediaType
}
