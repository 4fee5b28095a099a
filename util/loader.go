// Package util - small filesystem helpers for the CLI.
package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// imageExts are the extensions treated as frame images when a directory is
// expanded.
var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
}

// ExpandInputs resolves input arguments to image paths. Plain files pass
// through untouched; directories expand to the image files they contain, in
// frame order.
func ExpandInputs(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "util: input %s", arg)
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		paths, err := ListImages(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, paths...)
	}
	if len(out) == 0 {
		return nil, errors.New("util: no input images")
	}
	return out, nil
}

// ListImages returns the image files in a directory in frame order: by the
// trailing number in the file name when every name carries one (frame-0012
// before frame-0102), by name otherwise.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "util: read dir %s", dir)
	}

	type entry struct {
		path    string
		frame   int
		numeric bool
	}
	var files []entry
	allNumeric := true
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		n, ok := trailingNumber(e.Name())
		allNumeric = allNumeric && ok
		files = append(files, entry{
			path:    filepath.Join(dir, e.Name()),
			frame:   n,
			numeric: ok,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if allNumeric {
			return files[i].frame < files[j].frame
		}
		return files[i].path < files[j].path
	})

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// trailingNumber extracts the digit run right before the extension, e.g. 12
// from frame-0012.png.
func trailingNumber(name string) (int, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	end := len(base)
	start := end
	for start > 0 && base[start-1] >= '0' && base[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	n, err := strconv.Atoi(base[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
