// Package urlutil has small URL construction helpers.
package urlutil

import (
	"net/url"
	"path"
)

// JoinPath joins path segments onto a base URL, normalizing slashes so
// configured base URLs work the same with or without a trailing slash.
func JoinPath(base string, paths ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	allPaths := append([]string{u.Path}, paths...)
	u.Path = path.Join(allPaths...)

	return u.String(), nil
}
