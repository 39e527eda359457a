// Package manifest reads the static asset manifest:
// the version of the site and the assets to pre-populate for it.
package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Manifest lists the static assets of one version of the site.
type Manifest struct {
	// Generation identifier. A time-ordered id is generated if empty.
	Version string `yaml:"version"`
	// Paths of all assets, in order.
	Assets []string `yaml:"assets"`
}

// Load reads the manifest file.
func Load(filename string) (Manifest, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return Manifest{}, err
	}
	m, err := Parse(b)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", filename, err)
	}
	return m, nil
}

// Parse decodes a YAML manifest.
func Parse(b []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, err
	}
	if m.Version == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Manifest{}, fmt.Errorf("generate version: %w", err)
		}
		m.Version = "gen-" + id.String()
	}
	return m, nil
}

// Keys returns the cache keys of the assets, without duplicates.
// Assets pointing to another origin are an error.
func (m Manifest) Keys(keyer cachekey.Keyer) ([]string, error) {
	seen := make(map[string]bool, len(m.Assets))
	keys := make([]string, 0, len(m.Assets))
	for _, asset := range m.Assets {
		key, err := keyer.Canonical(asset)
		if err != nil {
			return nil, fmt.Errorf("asset %q: %w", asset, err)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys, nil
}

// settle is how long the file has to stay unchanged before it is reloaded.
// Editors tend to write files in several steps.
const settle = 100 * time.Millisecond

// Watch calls onChange with the reloaded manifest whenever the file changes,
// until the context is done. Files that fail to load are logged and skipped.
func Watch(ctx context.Context, filename string, logger zerolog.Logger, onChange func(Manifest)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// watch the directory, so that replacing the file is noticed as well
	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		return err
	}
	target := filepath.Clean(filename)

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			logger.Trace().Str("file", event.Name).Str("op", event.Op.String()).Msg("Manifest changed")
			reload = time.After(settle)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Manifest watcher error")
		case <-reload:
			reload = nil
			m, err := Load(filename)
			if err != nil {
				logger.Error().Err(err).Msg("Could not reload manifest")
				continue
			}
			onChange(m)
		}
	}
}
