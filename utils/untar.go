package utils

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var UnsafePathErr = errors.New("archive entry escapes the destination directory")

// Untar extracts a tar stream into dir, dropping the first stripComponents
// path elements of every entry. It returns the paths of the regular files written.
// Modified from: https://github.com/golang/build/blob/master/internal/untar/untar.go
func Untar(r io.Reader, dir string, stripComponents int) ([]string, error) {
	tr := tar.NewReader(r)
	var written []string

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break // end of tar archive
		}
		if err != nil {
			return written, err
		}

		name := filepath.ToSlash(header.Name)
		components := strings.Split(strings.TrimPrefix(name, "./"), "/")
		if len(components) <= stripComponents {
			continue
		}
		rel := filepath.Join(components[stripComponents:]...)
		if rel == "" || rel == "." {
			continue
		}
		target := filepath.Join(dir, rel)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return written, fmt.Errorf("%w: %s", UnsafePathErr, header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return written, err
			}
			if err := writeEntry(target, tr, os.FileMode(header.Mode)); err != nil {
				return written, err
			}
			written = append(written, target)
		}
	}
	return written, nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(file, r)
	return err
}

// Tar writes the regular files below src into w; entry names are relative to src.
func Tar(src string, w io.Writer) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("unable to tar files - %v", err)
	}

	tw := tar.NewWriter(w)
	defer tw.Close()

	return filepath.Walk(src, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// skip non-regular files
		if !fi.Mode().IsRegular() {
			return nil
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return fmt.Errorf("cannot create file header for %s: %v", file, err)
		}
		rel, err := filepath.Rel(src, file)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
}
