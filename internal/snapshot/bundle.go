package snapshot

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const bundleMetadataName = "metadata.json"

// WriteBundle streams a zstd-compressed tar with the metadata first, followed
// by every regular file under dir.
func WriteBundle(w io.Writer, meta *Metadata, dir string) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("open bundle compressor: %w", err)
	}
	tw := tar.NewWriter(zw)

	metaBytes, err := Marshal(meta)
	if err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode bundle metadata: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{Name: bundleMetadataName, Mode: 0o644, Size: int64(len(metaBytes))}); err != nil {
		_ = zw.Close()
		return err
	}
	if _, err := tw.Write(metaBytes); err != nil {
		_ = zw.Close()
		return err
	}

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    path.Join("data", filepath.ToSlash(rel)),
			Mode:    int64(info.Mode().Perm()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.CopyN(tw, f, info.Size())
		return err
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = zw.Close()
		return fmt.Errorf("write bundle files: %w", walkErr)
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return fmt.Errorf("finish bundle: %w", err)
	}
	return zw.Close()
}

// ReadBundle restores the files of a bundle into dir and returns its
// metadata. Entries escaping dir are rejected.
func ReadBundle(r io.Reader, dir string) (*Metadata, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open bundle decompressor: %w", err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)

	var meta *Metadata
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read bundle: %w", err)
		}
		if hdr.Name == bundleMetadataName {
			b, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read bundle metadata: %w", err)
			}
			if meta, err = Unmarshal(b); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel := strings.TrimPrefix(path.Clean(hdr.Name), "data/")
		if rel == "" || strings.HasPrefix(rel, "..") || path.IsAbs(rel) {
			return nil, fmt.Errorf("bundle entry %q escapes target directory", hdr.Name)
		}
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, err
		}
		if err := writeFile(dst, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
			return nil, err
		}
	}
	if meta == nil {
		return nil, fmt.Errorf("bundle has no %s", bundleMetadataName)
	}
	return meta, nil
}

func writeFile(dst string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("restore %s: %w", dst, err)
	}
	return f.Close()
}
