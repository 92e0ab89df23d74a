package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/cadenza/pkg/media"
)

// maxNameBytes caps the title-derived part of a file name, leaving room for
// the hash suffix and extension within the usual 255-byte name limit.
const maxNameBytes = 200

// sidecar is the on-disk metadata record stored next to each media file.
type sidecar struct {
	Title      string    `json:"title"`
	Format     string    `json:"format,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	File       string    `json:"file"`
	SourceURL  string    `json:"source_url,omitempty"`
	Size       int64     `json:"size"`
	CachedAt   time.Time `json:"cached_at"`
}

func newSidecar(d media.Descriptor, file string, size int64, at time.Time) sidecar {
	return sidecar{
		Title:      d.Title,
		Format:     d.Format,
		DurationMS: d.Duration.Milliseconds(),
		File:       file,
		SourceURL:  d.SourceURL,
		Size:       size,
		CachedAt:   at.UTC(),
	}
}

func (sc sidecar) descriptor(mediaPath string, size int64) media.Descriptor {
	return media.Descriptor{
		Title:     sc.Title,
		Format:    sc.Format,
		Duration:  time.Duration(sc.DurationMS) * time.Millisecond,
		Path:      mediaPath,
		SourceURL: sc.SourceURL,
		Size:      size,
	}
}

func readSidecar(path string) (sidecar, error) {
	var sc sidecar
	b, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	if err := json.Unmarshal(b, &sc); err != nil {
		return sc, fmt.Errorf("decode sidecar: %w", err)
	}
	if sc.Title == "" || sc.File == "" {
		return sc, errors.New("sidecar lacks title or file")
	}
	// The media file must live in the same directory.
	if sc.File != filepath.Base(sc.File) {
		return sc, fmt.Errorf("sidecar file %q escapes the cache directory", sc.File)
	}
	return sc, nil
}

// writeSidecar writes sc to path through a temporary file in the same
// directory.
func writeSidecar(path string, sc sidecar) error {
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), tmpPrefix+"*"+metaExt)
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// baseName derives the file name stem for title: the title with characters
// that are illegal on common filesystems replaced, followed by a short hash
// of the original title so that titles differing only in illegal characters
// do not collide.
func baseName(title string) string {
	sum := sha1.Sum([]byte(title))

	var b strings.Builder
	for _, r := range title {
		switch {
		case r == utf8.RuneError, unicode.IsControl(r), strings.ContainsRune(`<>:"/\|?*`, r):
			r = '_'
		case unicode.IsSpace(r):
			r = ' '
		}
		if b.Len()+utf8.RuneLen(r) > maxNameBytes {
			break
		}
		b.WriteRune(r)
	}
	name := strings.Trim(b.String(), " .")
	if name == "" {
		name = "track"
	}
	return name + "-" + hex.EncodeToString(sum[:4])
}
