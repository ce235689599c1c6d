package filesystem

import (
	"net/url"
	"path"
	"strings"
)

// Join appends slash-separated elements to a directory URI, preserving its
// scheme, authority and query.
func Join(dirURI string, elem ...string) string {
	u, err := url.Parse(dirURI)
	if err != nil || (u.Scheme == "" && u.Host == "") {
		return path.Join(append([]string{dirURI}, elem...)...)
	}
	if u.Opaque != "" {
		u.Opaque = path.Join(append([]string{u.Opaque}, elem...)...)
		return u.String()
	}
	joined := path.Join(append([]string{u.Path}, elem...)...)
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	u.Path = joined
	u.RawPath = ""
	return u.String()
}

// Rel returns the slash path of fileURI relative to dirURI, or false when
// the file is not underneath the directory.
func Rel(dirURI, fileURI string) (string, bool) {
	dir := strings.TrimSuffix(uriPathOf(dirURI), "/")
	file := uriPathOf(fileURI)
	if dir == "" {
		return strings.TrimPrefix(file, "/"), true
	}
	if !strings.HasPrefix(file, dir+"/") {
		return "", false
	}
	return strings.TrimPrefix(file, dir+"/"), true
}

func uriPathOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Path
}
