package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// File describes a single file scheduled for upload
type File struct {
	Path   string `json:"path"`   // Slash-separated path relative to the project root
	Size   int64  `json:"size"`   // Size in bytes
	SHA256 string `json:"sha256"` // Hex-encoded content digest
}

// Manifest is the complete set of files a release uploads, in deterministic
// (lexicographic) order. It is persisted alongside each release so later runs
// can diff against it for incremental uploads and remote pruning.
type Manifest struct {
	GeneratedAt time.Time `json:"generated_at"`
	Files       []File    `json:"files"`
}

// Scan walks root and produces a Manifest of every regular file not matched
// by excludes. Directories matched by excludes are pruned without descending.
// Symlinks and other non-regular files are skipped; FTP cannot represent them
// on the remote side.
func Scan(root string, excludes *ExcludeSet) (*Manifest, error) {
	root = filepath.Clean(root)

	var files []File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if excludes.MatchDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}
		if excludes.Match(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		digest, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", rel, err)
		}

		files = append(files, File{
			Path:   rel,
			Size:   info.Size(),
			SHA256: digest,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return &Manifest{
		GeneratedAt: time.Now().UTC(),
		Files:       files,
	}, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Lookup returns the entry for path, if present
func (m *Manifest) Lookup(path string) (File, bool) {
	i := sort.Search(len(m.Files), func(i int) bool { return m.Files[i].Path >= path })
	if i < len(m.Files) && m.Files[i].Path == path {
		return m.Files[i], true
	}
	return File{}, false
}

// TotalSize returns the sum of all file sizes in bytes
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// Dirs returns every directory needed to hold the manifest's files, parents
// before children, so transports can create them in order.
func (m *Manifest) Dirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, f := range m.Files {
		dir := f.Path
		for {
			i := strings.LastIndex(dir, "/")
			if i < 0 {
				break
			}
			dir = dir[:i]
			if seen[dir] {
				break
			}
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs
}

// Encode serializes the manifest to JSON
func (m *Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a manifest previously produced by Encode
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}
