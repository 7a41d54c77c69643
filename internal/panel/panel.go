package panel

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
)

//go:embed web
var content embed.FS

// Handler returns an http.Handler that serves the dashboard.
//
// When dir names an existing directory, assets are served from it; otherwise
// the embedded copy is used. Unknown paths answer 404 so API misses are not
// masked by the page.
// Panics if the embedded assets cannot be loaded (build error).
func Handler(dir string) http.Handler {
	fileSystem := assets(dir)
	fileServer := http.FileServer(fileSystem)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upath := path.Clean("/" + r.URL.Path)
		if upath != "/" && !isFile(fileSystem, upath) {
			http.NotFound(w, r)
			return
		}

		// The page polls live data itself; never serve a stale copy.
		w.Header().Set("Cache-Control", "no-cache, must-revalidate")
		fileServer.ServeHTTP(w, r)
	})
}

func assets(dir string) http.FileSystem {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return http.Dir(dir)
		}
	}
	webFS, err := fs.Sub(content, "web")
	if err != nil {
		panic(fmt.Sprintf("panel: failed to load embedded assets: %v", err))
	}
	return http.FS(webFS)
}

func isFile(fileSystem http.FileSystem, name string) bool {
	f, err := fileSystem.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	return err == nil && !info.IsDir()
}
