package media

import (
	"fmt"
	"strings"
)

// Dictionary carries format-specific key=value options handed through to
// an engine, e.g. "mpegts_copyts=1" or "movflags=frag_keyframe".
type Dictionary map[string]string

// ParseDictionary parses a "key=value[,key=value...]" option string.
// An empty string yields an empty dictionary. A bare key (no '=') is an
// error so typos surface at open time rather than being silently dropped.
func ParseDictionary(s string) (Dictionary, error) {
	d := Dictionary{}
	if s == "" {
		return d, nil
	}
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("media: malformed option %q", pair)
		}
		d[key] = value
	}
	return d, nil
}

// Get returns the value for key, or def when the key is absent.
func (d Dictionary) Get(key, def string) string {
	if v, ok := d[key]; ok {
		return v
	}
	return def
}
