// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Files are transferred as a tar stream on the stdin/stdout of a
// remote "tar" process, so any host that can run commands can
// exchange files. Entry names in the stream start with the
// destination's base name.

// copyTo sends localPath to remotePath on h.
func copyTo(ctx context.Context, h Host, localPath, remotePath string) error {
	remotePath = path.Clean(remotePath)
	dir, base := path.Split(remotePath)
	if dir == "" {
		dir = "."
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTar(pw, localPath, base))
	}()
	defer pr.Close()
	cmd := fmt.Sprintf("mkdir -p %s && cd %s && rm -rf %s && tar -xf -", ShellEscape(dir), ShellEscape(dir), ShellEscape(base))
	_, err := h.Run(ctx, cmd, RunOptions{Stdin: pr})
	return err
}

// copyFrom fetches remotePath from h into localPath.
func copyFrom(ctx context.Context, h Host, remotePath, localPath string) error {
	remotePath = path.Clean(remotePath)
	dir, base := path.Split(remotePath)
	if dir == "" {
		dir = "."
	}
	err := os.RemoveAll(localPath)
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := extractTar(pr, localPath, base)
		// Drain so the sender doesn't block on a
		// partially-read stream.
		io.Copy(io.Discard, pr)
		done <- err
	}()
	cmd := fmt.Sprintf("cd %s && tar -cf - %s", ShellEscape(dir), ShellEscape(base))
	_, err = h.Run(ctx, cmd, RunOptions{Stdout: pw})
	pw.CloseWithError(err)
	if xerr := <-done; err == nil {
		err = xerr
	}
	return err
}

func copyLocal(ctx context.Context, src, dst string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTar(pw, src, filepath.Base(dst)))
	}()
	defer pr.Close()
	err := os.RemoveAll(dst)
	if err != nil {
		return err
	}
	err = extractTar(pr, dst, filepath.Base(dst))
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// writeTar writes a tar stream containing src (a file or a
// directory tree) with entries renamed so src itself is called
// name.
func writeTar(w io.Writer, src, name string) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if fi.Mode()&fs.ModeSymlink != 0 {
			link, err = os.Readlink(p)
			if err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return err
		}
		hdr.Name = path.Join(name, filepath.ToSlash(rel))
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// extractTar reads a tar stream whose entries all start with name,
// and writes them to dst (replacing the leading name with dst).
func extractTar(r io.Reader, dst, name string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		clean := path.Clean(hdr.Name)
		var rel string
		if clean == name {
			rel = ""
		} else if strings.HasPrefix(clean, name+"/") {
			rel = clean[len(name)+1:]
		} else {
			return fmt.Errorf("unexpected entry %q in tar stream", hdr.Name)
		}
		if strings.HasPrefix(rel, "../") || rel == ".." {
			return fmt.Errorf("refusing to extract %q outside destination", hdr.Name)
		}
		target := filepath.Join(dst, filepath.FromSlash(rel))
		mode := fs.FileMode(hdr.Mode).Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, mode|0700)
		case tar.TypeSymlink:
			err = os.MkdirAll(filepath.Dir(target), 0755)
			if err == nil {
				err = os.Symlink(hdr.Linkname, target)
			}
		case tar.TypeReg:
			err = os.MkdirAll(filepath.Dir(target), 0755)
			if err == nil {
				err = writeFile(target, tr, mode)
			}
		default:
			err = errors.New("unsupported file type")
		}
		if err != nil {
			return fmt.Errorf("extracting %q: %w", hdr.Name, err)
		}
	}
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
