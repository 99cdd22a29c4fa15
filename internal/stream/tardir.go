package stream

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// chunkSize is the tar byte budget per TagChunk frame.
const chunkSize = 1 << 20

// sendDir streams dir as a TagDir header followed by tar chunks and a
// terminating empty chunk. Regular files, directories, and symlinks
// are carried; sockets and devices are skipped. A non-nil skip drops
// top-level entries by their slash-relative name.
func sendDir(enc *Encoder, name, dir string, skip func(rel string) bool) error {
	if err := enc.EncodeJSON(TagDir, DirHeader{Name: name}); err != nil {
		return err
	}

	cw := &chunkWriter{enc: enc}
	tw := tar.NewWriter(cw)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if skip != nil && skip(filepath.ToSlash(rel)) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if err != nil {
		return fmt.Errorf("stream: pack %s: %w", dir, err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := cw.flush(); err != nil {
		return err
	}
	// Empty chunk ends the transfer.
	return enc.Encode(TagChunk, nil)
}

// chunkWriter batches tar output into bounded TagChunk frames.
type chunkWriter struct {
	enc *Encoder
	buf []byte
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	for len(c.buf) >= chunkSize {
		if err := c.enc.Encode(TagChunk, c.buf[:chunkSize]); err != nil {
			return 0, err
		}
		c.buf = append(c.buf[:0], c.buf[chunkSize:]...)
	}
	return len(p), nil
}

func (c *chunkWriter) flush() error {
	if len(c.buf) == 0 {
		return nil
	}
	err := c.enc.Encode(TagChunk, c.buf)
	c.buf = nil
	return err
}

// recvDir unpacks a chunked tar transfer into dir. The TagDir header
// is already consumed by the caller. With skipExisting set, entries
// whose target path already exists are left alone, which lets a
// processor that persisted events live ignore their duplicates in the
// final artifact transfer.
func recvDir(dec *Decoder, dir string, skipExisting bool) error {
	tr := tar.NewReader(&chunkReader{dec: dec})
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream: unpack into %s: %w", dir, err)
		}
		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}
		if skipExisting && hdr.Typeflag != tar.TypeDir {
			if _, err := os.Lstat(target); err == nil {
				if hdr.Typeflag == tar.TypeReg {
					io.Copy(io.Discard, tr)
				}
				continue
			}
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode)&0o777); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

// chunkReader surfaces the chunked tar bytes as one reader. The empty
// terminating chunk becomes EOF; a frame error or a foreign tag means
// the transfer broke mid-flight.
type chunkReader struct {
	dec  *Decoder
	buf  []byte
	done bool
	err  error
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		if c.done {
			return 0, io.EOF
		}
		tag, payload, err := c.dec.Next()
		if err != nil {
			c.err = fmt.Errorf("%w: directory transfer interrupted", ErrTruncated)
			return 0, c.err
		}
		if tag != TagChunk {
			c.err = fmt.Errorf("stream: unexpected %c frame inside directory transfer", tag)
			return 0, c.err
		}
		if len(payload) == 0 {
			c.done = true
			return 0, io.EOF
		}
		c.buf = payload
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// safeJoin refuses entry names that would escape dir.
func safeJoin(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("stream: entry %q escapes target dir", name)
	}
	return filepath.Join(dir, clean), nil
}
