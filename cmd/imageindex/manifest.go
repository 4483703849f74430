package main

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helio-tiles/server/internal/layer"
)

// manifest lists source images to index.
//
//	defaults:
//	  layer: SDO/AIA/AIA/171
//	  scale: 0.6
//	images:
//	  - date: 2011-01-12T00:00:02Z
//	    path: 2011/01/12/aia_171_000002.png
//	    offset_x: -1.5
type manifest struct {
	Defaults entry   `yaml:"defaults"`
	Images   []entry `yaml:"images"`
}

type entry struct {
	Layer   string    `yaml:"layer"`
	Date    time.Time `yaml:"date"`
	Path    string    `yaml:"path"`
	Width   int       `yaml:"width"`
	Height  int       `yaml:"height"`
	Scale   float64   `yaml:"scale"`
	OffsetX float64   `yaml:"offset_x"`
	OffsetY float64   `yaml:"offset_y"`
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(m.Images) == 0 {
		return nil, errors.New("manifest lists no images")
	}
	return &m, nil
}

// descriptors resolves every manifest entry against the defaults. Missing
// dimensions are read from the image header under root.
func (m *manifest) descriptors(root string) ([]layer.Descriptor, error) {
	out := make([]layer.Descriptor, 0, len(m.Images))
	for i, e := range m.Images {
		d, err := m.resolve(root, e)
		if err != nil {
			return nil, fmt.Errorf("image %d (%s): %w", i, e.Path, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *manifest) resolve(root string, e entry) (layer.Descriptor, error) {
	if e.Layer == "" {
		e.Layer = m.Defaults.Layer
	}
	if e.Scale == 0 {
		e.Scale = m.Defaults.Scale
	}
	if e.Width == 0 && e.Height == 0 {
		e.Width, e.Height = m.Defaults.Width, m.Defaults.Height
	}
	if e.Path == "" {
		return layer.Descriptor{}, errors.New("missing path")
	}
	if e.Date.IsZero() {
		return layer.Descriptor{}, errors.New("missing date")
	}
	id, err := layer.ParseIdentity(e.Layer)
	if err != nil {
		return layer.Descriptor{}, err
	}
	if e.Width == 0 || e.Height == 0 {
		e.Width, e.Height, err = imageSize(sourcePath(root, e.Path))
		if err != nil {
			return layer.Descriptor{}, err
		}
	}

	d := layer.Descriptor{
		Identity:     id,
		Timestamp:    e.Date.UTC(),
		SourcePath:   e.Path,
		NativeWidth:  e.Width,
		NativeHeight: e.Height,
		NativeScale:  e.Scale,
		SunOffsetX:   e.OffsetX,
		SunOffsetY:   e.OffsetY,
	}
	return d, d.Validate()
}

func sourcePath(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open source image: %w", err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
