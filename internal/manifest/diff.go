package manifest

import "sort"

// Changes is the difference between two manifests. Paths appear in exactly
// one of the three lists, sorted lexicographically.
type Changes struct {
	Added   []string // present in new only
	Changed []string // present in both with a different digest or size
	Removed []string // present in old only
}

// Empty reports whether the diff contains no changes
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Removed) == 0
}

// UploadSet returns the paths that need uploading: added plus changed
func (c Changes) UploadSet() []string {
	out := make([]string, 0, len(c.Added)+len(c.Changed))
	out = append(out, c.Added...)
	out = append(out, c.Changed...)
	sort.Strings(out)
	return out
}

// Diff compares an old manifest (the last successful upload) against a new
// one. A nil old manifest marks every new file as added.
func Diff(old, new *Manifest) Changes {
	var changes Changes

	if old == nil {
		for _, f := range new.Files {
			changes.Added = append(changes.Added, f.Path)
		}
		return changes
	}

	oldByPath := make(map[string]File, len(old.Files))
	for _, f := range old.Files {
		oldByPath[f.Path] = f
	}

	for _, f := range new.Files {
		prev, ok := oldByPath[f.Path]
		if !ok {
			changes.Added = append(changes.Added, f.Path)
			continue
		}
		delete(oldByPath, f.Path)
		if prev.SHA256 != f.SHA256 || prev.Size != f.Size {
			changes.Changed = append(changes.Changed, f.Path)
		}
	}

	for path := range oldByPath {
		changes.Removed = append(changes.Removed, path)
	}

	sort.Strings(changes.Added)
	sort.Strings(changes.Changed)
	sort.Strings(changes.Removed)
	return changes
}
