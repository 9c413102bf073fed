package sftp

import (
	"path"
	"strings"
)

// resolve makes p absolute against cwd and collapses "." and ".."
// segments. ".." at the root stays at the root.
func resolve(cwd, p string) string {
	if p == "" {
		p = "."
	}
	if !strings.HasPrefix(p, "/") {
		if cwd == "" {
			cwd = "/"
		}
		p = cwd + "/" + p
	}
	return path.Clean(p)
}

// dirCache remembers paths known to be directories so IsDir and Chdir can
// skip a round trip.
type dirCache struct {
	dirs map[string]struct{}
}

func newDirCache() *dirCache {
	return &dirCache{dirs: make(map[string]struct{})}
}

func (d *dirCache) add(p string) { d.dirs[path.Clean(p)] = struct{}{} }

func (d *dirCache) has(p string) bool {
	_, ok := d.dirs[path.Clean(p)]
	return ok
}

// prune forgets p and everything below it.
func (d *dirCache) prune(p string) {
	p = path.Clean(p)
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}
	for k := range d.dirs {
		if k == p || strings.HasPrefix(k, prefix) {
			delete(d.dirs, k)
		}
	}
}

func (d *dirCache) len() int { return len(d.dirs) }
