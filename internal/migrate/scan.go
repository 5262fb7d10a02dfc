package migrate

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Signature is a path that identifies legacy data relative to its data root.
type Signature struct {
	Path string
	Kind string // "file" or "dir"; empty matches either
}

// Source is discovered legacy data. Volume sources are remounted on Migrate;
// path sources point at an already readable directory.
type Source struct {
	Volume  *Volume
	Dir     string
	Path    string
	Matches []string
}

func (s Source) String() string {
	if s.Volume != nil {
		return s.Volume.Device + ":" + filepath.ToSlash(s.Dir)
	}
	return s.Path
}

// findDataRoot walks root breadth-first to maxDepth and returns the shallowest
// directory containing any signature, relative to root.
func findDataRoot(ctx context.Context, root string, sigs []Signature, maxDepth int) (string, []string, bool) {
	type entry struct {
		rel   string
		depth int
	}
	queue := []entry{{rel: ".", depth: 0}}
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return "", nil, false
		}
		cur := queue[0]
		queue = queue[1:]
		abs := filepath.Join(root, cur.rel)

		if matches := matchSignatures(abs, sigs); len(matches) > 0 {
			return cur.rel, matches, true
		}
		if cur.depth >= maxDepth {
			continue
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			log.Debug().Str("dir", abs).Err(err).Msg("migrate.scan_unreadable")
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || e.Type()&os.ModeSymlink != 0 {
				continue
			}
			queue = append(queue, entry{rel: filepath.Join(cur.rel, e.Name()), depth: cur.depth + 1})
		}
	}
	return "", nil, false
}

func matchSignatures(dir string, sigs []Signature) []string {
	var matches []string
	for _, sig := range sigs {
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(sig.Path)))
		if err != nil {
			continue
		}
		switch sig.Kind {
		case "file":
			if !info.Mode().IsRegular() {
				continue
			}
		case "dir":
			if !info.IsDir() {
				continue
			}
		}
		matches = append(matches, sig.Path)
	}
	return matches
}
