// Package workspace maps editor state to the project path a language server
// is started for, and converts between file paths and file URIs.
package workspace

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/opencode-ai/lspmux/internal/logging"
)

// ProjectPath returns the first open folder, or the directory of the active
// file when no folder is open. It reports false when neither is available.
func ProjectPath(folders []string, activeFile string) (string, bool) {
	if len(folders) > 0 {
		return folders[0], true
	}
	if activeFile != "" {
		dir := filepath.Dir(activeFile)
		logging.Debug().Str("path", dir).Msg("no folders open, using the active file's directory as project path")
		return dir, true
	}
	logging.Debug().Msg("no folders open and no active file, project path unknown")
	return "", false
}

// CommonParent returns the deepest directory containing all paths. Paths
// are compared by element, so /src/app is not a parent of /src/application.
func CommonParent(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	common := splitPath(filepath.Clean(paths[0]))
	for _, p := range paths[1:] {
		parts := splitPath(filepath.Clean(p))
		n := 0
		for n < len(common) && n < len(parts) && common[n] == parts[n] {
			n++
		}
		common = common[:n]
	}
	return joinPath(common)
}

// IsInWorkspace reports whether file lies inside projectPath.
func IsInWorkspace(projectPath, file string) bool {
	if projectPath == "" || file == "" {
		return false
	}
	return CommonParent([]string{projectPath, file}) == filepath.Clean(projectPath)
}

// FindRoot walks up from start looking for a directory containing one of
// markers, .git by default. It returns start when none is found.
func FindRoot(start string, markers ...string) string {
	if len(markers) == 0 {
		markers = []string{".git"}
	}
	start, err := filepath.Abs(start)
	if err != nil {
		return start
	}

	current := start
	for {
		for _, m := range markers {
			if _, err := os.Stat(filepath.Join(current, m)); err == nil {
				return current
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			return start
		}
		current = parent
	}
}

// FileToURI converts an absolute file path to a file:// URI.
func FileToURI(path string) string {
	p := filepath.ToSlash(path)
	if runtime.GOOS == "windows" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p}
	return u.String()
}

// URIToFile converts a file:// URI to a file path.
func URIToFile(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("not a file uri: %q", uri)
	}
	p := u.Path
	// Windows drive paths arrive as /C:/...
	if runtime.GOOS == "windows" && len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p), nil
}

func splitPath(p string) []string {
	vol := filepath.VolumeName(p)
	rest := strings.TrimPrefix(p[len(vol):], string(filepath.Separator))
	parts := []string{vol + string(filepath.Separator)}
	if rest == "" {
		return parts
	}
	return append(parts, strings.Split(rest, string(filepath.Separator))...)
}

func joinPath(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return filepath.Join(parts...)
}
