package docstore

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURI is wrapped by ParseURI for any malformed store URI,
// including one missing its database segment.
var ErrInvalidURI = errors.New("invalid store URI")

// StoreURI is a parsed scheme://host/database store locator. For file-backed
// schemes Host names a directory and Database a file stem; Database may
// contain further path segments.
type StoreURI struct {
	Scheme   string
	Host     string
	Database string
}

// ParseURI parses a scheme://host/database store URI. A URI without a
// database segment is a configuration error: every store in this module
// scopes its collections to one named database, so a bare host is never
// enough to open anything.
func ParseURI(raw string) (*StoreURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrInvalidURI, raw)
	}
	database := strings.Trim(u.Path, "/")
	if database == "" {
		return nil, fmt.Errorf("%w: %q has no database segment", ErrInvalidURI, raw)
	}
	return &StoreURI{
		Scheme:   u.Scheme,
		Host:     u.Host,
		Database: database,
	}, nil
}
