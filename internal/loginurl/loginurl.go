// Package loginurl reads launch parameters from the URL the client was started with.
package loginurl

import (
	"errors"
	"fmt"
	"net/url"
)

var ErrNoLoginID = errors.New("login_id missing from url")

// Parse returns the query parameters of raw. A bare query string ("a=1&b=2")
// is accepted as well as a full URL.
func Parse(raw string) (url.Values, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse launch url: %w", err)
	}
	if u.RawQuery == "" && u.Scheme == "" && u.Host == "" {
		return url.ParseQuery(u.Path)
	}
	return u.Query(), nil
}

// LoginID returns the login_id parameter of raw.
func LoginID(raw string) (string, error) {
	q, err := Parse(raw)
	if err != nil {
		return "", err
	}
	id := q.Get("login_id")
	if id == "" {
		return "", ErrNoLoginID
	}
	return id, nil
}
