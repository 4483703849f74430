package render

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"
)

// SourceLoader decodes images from disk and keeps the most recently used
// ones in memory. Files ending in ".zst" are zstd-compressed PNG or JPEG.
type SourceLoader struct {
	root    string
	cache   *lru.Cache[string, image.Image]
	decoder *zstd.Decoder
	group   singleflight.Group
}

// NewSourceLoader creates a loader that resolves relative paths against root.
func NewSourceLoader(root string, cacheSize int) (*SourceLoader, error) {
	if cacheSize <= 0 {
		cacheSize = 16
	}
	cache, err := lru.New[string, image.Image](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create source cache: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &SourceLoader{root: root, cache: cache, decoder: decoder}, nil
}

// Load returns the decoded image at path.
func (l *SourceLoader) Load(path string) (image.Image, error) {
	full := l.resolve(path)
	if img, ok := l.cache.Get(full); ok {
		return img, nil
	}

	v, err, _ := l.group.Do(full, func() (interface{}, error) {
		img, err := l.decodeFile(full)
		if err != nil {
			return nil, err
		}
		l.cache.Add(full, img)
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}

// Len returns the number of cached images.
func (l *SourceLoader) Len() int { return l.cache.Len() }

// Close releases the zstd decoder.
func (l *SourceLoader) Close() {
	l.decoder.Close()
}

func (l *SourceLoader) resolve(path string) string {
	if l.root == "" || filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(l.root, path)
}

func (l *SourceLoader) decodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".zst") {
		data, err = l.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress failed: %w", err)
		}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode source %s: %w", path, err)
	}
	return img, nil
}
