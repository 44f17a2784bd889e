package aggregator

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"sensorhub/internal/domain"
)

// Unpack extracts a zip archive into destDir. Entries that would escape
// destDir are rejected outright.
func Unpack(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return domain.NewDomainError("Aggregator.Unpack", domain.ErrUnpackFailed, err.Error())
	}
	defer r.Close()

	root := filepath.Clean(destDir)
	for _, f := range r.File {
		target := filepath.Join(root, f.Name)
		if !strings.HasPrefix(filepath.Clean(target), root+string(os.PathSeparator)) {
			return domain.NewDomainError("Aggregator.Unpack", domain.ErrUnpackFailed,
				"entry escapes destination: "+f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return domain.WrapOp("Aggregator.Unpack", err)
			}
			continue
		}

		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return domain.WrapOp("Aggregator.Unpack", err)
	}
	src, err := f.Open()
	if err != nil {
		return domain.NewDomainError("Aggregator.Unpack", domain.ErrUnpackFailed, err.Error())
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode().Perm()|0600)
	if err != nil {
		return domain.WrapOp("Aggregator.Unpack", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return domain.NewDomainError("Aggregator.Unpack", domain.ErrUnpackFailed, err.Error())
	}
	return nil
}
