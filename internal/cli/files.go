package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
)

// loadFiles reads each path into memory, refusing directories and files
// above maxSize.
func loadFiles(paths []string, maxSize uint64) ([]transfer.File, error) {
	files := make([]transfer.File, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", path)
		}
		if uint64(info.Size()) > maxSize {
			return nil, fmt.Errorf("%w: %s is %s, limit is %s", transfer.ErrFileTooLarge,
				path, humanize.IBytes(uint64(info.Size())), humanize.IBytes(maxSize))
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, transfer.File{
			Name:     filepath.Base(path),
			MimeType: detectType(path, data),
			Size:     uint64(len(data)),
			Data:     data,
		})
	}
	return files, nil
}

func detectType(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

// saveReceived writes files into dir and returns the paths written. Names
// are reduced to a base name and never overwrite existing files.
func saveReceived(dir string, files []transfer.ReceivedFile) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		file, err := createUnique(dir, sanitizeName(f.Descriptor.Name))
		if err != nil {
			return paths, err
		}
		_, err = file.Write(f.Data)
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return paths, fmt.Errorf("write %s: %w", file.Name(), err)
		}
		paths = append(paths, file.Name())
	}
	return paths, nil
}

func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	switch name {
	case "", ".", "..", "/":
		return "file"
	}
	return name
}

// createUnique creates dir/name, or dir/name (n).ext for the first n not
// taken. The file is created exclusively, so concurrent savers never share
// a path.
func createUnique(dir, name string) (*os.File, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	path := filepath.Join(dir, name)
	for n := 1; ; n++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
}
