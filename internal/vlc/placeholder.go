package vlc

import (
	"fmt"
	"image"
	"image/png"
	"path/filepath"

	"github.com/spf13/afero"
)

const placeholderFile = "placeholder.png"

// PlaceholderPath is where WritePlaceholder puts the frame inside dir.
func PlaceholderPath(dir string) string {
	return filepath.Join(dir, placeholderFile)
}

// WritePlaceholder writes a black frame of the given size into dir and
// returns its path. An existing file is reused.
func WritePlaceholder(fsys afero.Fs, dir string, w, h int) (string, error) {
	path := PlaceholderPath(dir)
	if ok, _ := afero.Exists(fsys, path); ok {
		return path, nil
	}

	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create placeholder dir: %w", err)
	}
	f, err := fsys.Create(path)
	if err != nil {
		return "", fmt.Errorf("create placeholder: %w", err)
	}
	defer f.Close()

	if err := png.Encode(f, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		return "", fmt.Errorf("encode placeholder: %w", err)
	}
	return path, nil
}
