// Package artifact classifies submission files and decides when a submission
// directory holds a complete auth/enroll pair.
package artifact

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Role is the part a file plays in a submission.
type Role string

const (
	RoleAuth         Role = "auth"
	RoleEnroll       Role = "enroll"
	RoleUnclassified Role = "unclassified"
)

const (
	authMarker   = "auth"
	enrollMarker = "enroll"
)

// DefaultExtensions lists the file extensions that can carry an artifact.
var DefaultExtensions = []string{".jpg", ".png", ".bmp", ".json"}

// Classify infers the role of a file from its base name. A name carrying both
// markers is an auth artifact.
func Classify(name string) Role {
	base := filepath.Base(name)
	switch {
	case strings.Contains(base, authMarker):
		return RoleAuth
	case strings.Contains(base, enrollMarker):
		return RoleEnroll
	default:
		return RoleUnclassified
	}
}

// AcceptedExtension reports whether name ends with one of extensions.
// An empty extension list accepts every name.
func AcceptedExtension(name string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for _, candidate := range extensions {
		if strings.ToLower(NormalizeExtension(candidate)) == ext {
			return true
		}
	}
	return false
}

// NormalizeExtension trims whitespace and guarantees a leading dot.
func NormalizeExtension(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}

// IsComplete reports whether the listing holds at least one auth and one
// enroll artifact.
func IsComplete(names []string) bool {
	return ClassifyAll(names).Complete()
}

// Set is the classified view of a directory listing.
type Set struct {
	Auth         string
	Enroll       string
	Unclassified []string
}

// Complete reports whether both required roles are present.
func (set Set) Complete() bool {
	return set.Auth != "" && set.Enroll != ""
}

// ClassifyAll sorts names and keeps the first file seen for each role.
func ClassifyAll(names []string) Set {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	set := Set{}
	for _, name := range sorted {
		switch Classify(name) {
		case RoleAuth:
			if set.Auth == "" {
				set.Auth = name
			}
		case RoleEnroll:
			if set.Enroll == "" {
				set.Enroll = name
			}
		default:
			set.Unclassified = append(set.Unclassified, name)
		}
	}
	return set
}

// ListFiles returns the paths of the direct, non-directory children of dir.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

// Evaluate lists dir and classifies its files.
func Evaluate(dir string) (Set, error) {
	files, err := ListFiles(dir)
	if err != nil {
		return Set{}, err
	}
	return ClassifyAll(files), nil
}
