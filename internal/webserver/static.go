package webserver

import (
	"net/http"
	"path/filepath"
)

// staticFiles serves the built UI bundle from dir. The same bundle is what
// share exports inline into replay documents.
func staticFiles(dir string) http.FileSystem {
	return http.Dir(filepath.Clean(dir))
}
