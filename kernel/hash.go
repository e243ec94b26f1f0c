package kernel

import (
	"crypto/md5"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// sourceHash digests the kernel source tree and the compile flags. Any
// change to either yields a new cache file name. MD5 keeps the names
// short; this is a cache key, not an integrity check.
func sourceHash(sourcePath string, flags []string) (string, error) {
	h := md5.New()
	io.WriteString(h, strings.Join(flags, " "))

	if sourcePath != "" {
		err := filepath.WalkDir(sourcePath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(sourcePath, path)
			if err != nil {
				return err
			}
			io.WriteString(h, rel)
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(h, f)
			f.Close()
			return err
		})
		if err != nil {
			return "", err
		}
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
