package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultTiePointExts are the file types LoadTiePoints understands.
var DefaultTiePointExts = []string{".json", ".match"}

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".gif":  {},
}

func extSet(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = DefaultTiePointExts
	}
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = struct{}{}
	}
	return set
}

// ListTiePointFiles returns the files under root whose extension is in exts
// (DefaultTiePointExts when empty), sorted. A file root is returned as is.
func ListTiePointFiles(root string, exts []string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	set := extSet(exts)
	var files []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := set[strings.ToLower(filepath.Ext(d.Name()))]; ok {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// HasExt reports whether path carries one of exts (DefaultTiePointExts when
// empty).
func HasExt(path string, exts []string) bool {
	_, ok := extSet(exts)[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsImageFile checks if a file is an image format the warp job can read.
func IsImageFile(path string) bool {
	_, ok := imageExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// SiblingPath replaces the extension of path with ext, optionally moving it
// into dir.
func SiblingPath(path, dir, ext string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ext
	if dir == "" {
		dir = filepath.Dir(path)
	}
	return filepath.Join(dir, base)
}
