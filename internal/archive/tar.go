package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Pack writes srcPath (file or directory) to w as an uncompressed tar stream.
// Entry names are rooted at the base name of srcPath, so unpacking into a
// directory recreates srcPath one level below it.
func Pack(w io.Writer, srcPath string) error {
	srcPath = filepath.Clean(srcPath)
	info, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}

	tw := tar.NewWriter(w)
	base := filepath.Base(srcPath)

	if !info.IsDir() {
		if err := packFile(tw, srcPath, base, info); err != nil {
			return err
		}
		return tw.Close()
	}

	err = filepath.Walk(srcPath, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(srcPath, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		name := filepath.ToSlash(filepath.Join(base, rel))

		switch {
		case fi.IsDir():
			header, err := tar.FileInfoHeader(fi, "")
			if err != nil {
				return fmt.Errorf("failed to create tar header: %w", err)
			}
			header.Name = name + "/"
			return tw.WriteHeader(header)
		case fi.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			header, err := tar.FileInfoHeader(fi, target)
			if err != nil {
				return fmt.Errorf("failed to create tar header: %w", err)
			}
			header.Name = name
			return tw.WriteHeader(header)
		case fi.Mode().IsRegular():
			return packFile(tw, path, name, fi)
		default:
			// sockets, devices and pipes are not transferred
			return nil
		}
	})
	if err != nil {
		return err
	}

	return tw.Close()
}

func packFile(tw *tar.Writer, path, name string, info os.FileInfo) error {
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header: %w", err)
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("failed to write file content: %w", err)
	}
	return nil
}

// Unpack extracts a tar stream into destDir and returns the top-level entry
// names it created, in stream order.
func Unpack(r io.Reader, destDir string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}

	realDest, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination: %w", err)
	}

	var roots []string
	seen := make(map[string]bool)
	tr := tar.NewReader(r)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar header: %w", err)
		}

		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return nil, err
		}
		// links unpacked earlier may redirect the parent out of destDir
		if target != filepath.Clean(destDir) {
			if err := staysWithin(realDest, filepath.Dir(target)); err != nil {
				return nil, fmt.Errorf("illegal path in archive: %s: %w", header.Name, err)
			}
		}

		root := strings.SplitN(strings.TrimPrefix(filepath.ToSlash(filepath.Clean(header.Name)), "./"), "/", 2)[0]
		if root != "" && root != "." && !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := staysWithin(realDest, target); err != nil {
				return nil, fmt.Errorf("illegal path in archive: %s: %w", header.Name, err)
			}
			if err := os.MkdirAll(target, os.FileMode(header.Mode)|0700); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, fmt.Errorf("failed to create parent directory: %w", err)
			}
			if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
				if err := os.Remove(target); err != nil {
					return nil, fmt.Errorf("failed to replace symlink: %w", err)
				}
			}
			if err := writeFile(target, tr, os.FileMode(header.Mode)); err != nil {
				return nil, err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) {
				return nil, fmt.Errorf("illegal absolute symlink in archive: %s", header.Name)
			}
			if _, err := safeJoin(destDir, filepath.Join(filepath.Dir(header.Name), header.Linkname)); err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, fmt.Errorf("failed to create parent directory: %w", err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return nil, fmt.Errorf("failed to create symlink: %w", err)
			}
		}
	}

	return roots, nil
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, r); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// safeJoin rejects entries that would land outside dir
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("illegal path in archive: %s", name)
	}
	return target, nil
}

// staysWithin resolves the deepest existing ancestor of path and checks it
// is realDir or below it.
func staysWithin(realDir, path string) error {
	existing := path
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(realDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s resolves outside the destination", path)
	}
	return nil
}
