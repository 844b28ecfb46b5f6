// Package library describes the local mirror tree: which folder a media type
// lives in, which declared files are derivatives, how origin file names are
// made safe to write, and how item directories are found and updated.
package library

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// OtherFolder holds items whose media type has no dedicated folder.
const OtherFolder = "other"

var mediaTypeFolders = map[string]string{
	"texts":      "books",
	"movies":     "videos",
	"audio":      "concerts",
	"etree":      "concerts",
	"image":      "images",
	"software":   "software",
	"data":       "data",
	"web":        "web",
	"collection": "collections",
}

// FolderFor maps an origin media type to its local folder name.
func FolderFor(mediaType string) string {
	if folder, ok := mediaTypeFolders[strings.ToLower(strings.TrimSpace(mediaType))]; ok {
		return folder
	}
	return OtherFolder
}

// Folders returns every folder name the library may contain, sorted.
func Folders() []string {
	seen := map[string]bool{OtherFolder: true}
	folders := []string{OtherFolder}
	for _, f := range mediaTypeFolders {
		if !seen[f] {
			seen[f] = true
			folders = append(folders, f)
		}
	}
	sort.Strings(folders)
	return folders
}

// MediaTypeFor returns a media type that maps onto folder. Several media
// types share a folder; the alphabetically first one is returned.
func MediaTypeFor(folder string) string {
	var match string
	for mt, f := range mediaTypeFolders {
		if f == folder && (match == "" || mt < match) {
			match = mt
		}
	}
	return match
}

// ItemDir returns cacheRoot/folderFor(mediaType)/identifier. The identifier
// must be a single safe path segment.
func ItemDir(cacheRoot, mediaType, identifier string) (string, error) {
	if cacheRoot == "" {
		return "", ErrNoCacheRoot
	}
	if err := ValidateIdentifier(identifier); err != nil {
		return "", err
	}
	return filepath.Join(cacheRoot, FolderFor(mediaType), identifier), nil
}

// ValidateIdentifier rejects identifiers that could escape their folder.
func ValidateIdentifier(identifier string) error {
	switch {
	case identifier == "", identifier == ".", identifier == "..":
		return &PathError{Path: identifier, Reason: "invalid identifier"}
	case strings.ContainsAny(identifier, `/\`):
		return &PathError{Path: identifier, Reason: "identifier contains a path separator"}
	case strings.ContainsRune(identifier, 0):
		return &PathError{Path: identifier, Reason: "identifier contains a NUL byte"}
	}
	return nil
}

// Item is one item directory found under the cache root.
type Item struct {
	Identifier string `json:"identifier"`
	Folder     string `json:"folder"`
	MediaType  string `json:"mediaType"`
	Dir        string `json:"dir"`
}

// ScanItems lists every item directory under every media-type folder.
// Missing folders are skipped.
func ScanItems(ctx context.Context, cacheRoot string) ([]Item, error) {
	if cacheRoot == "" {
		return nil, ErrNoCacheRoot
	}

	var items []Item
	for _, folder := range Folders() {
		if err := ctx.Err(); err != nil {
			return items, err
		}

		folderPath := filepath.Join(cacheRoot, folder)
		entries, err := os.ReadDir(folderPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return items, &FileSystemError{Op: "read folder", Path: folderPath, Err: err}
		}

		for _, entry := range entries {
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			items = append(items, Item{
				Identifier: entry.Name(),
				Folder:     folder,
				MediaType:  MediaTypeFor(folder),
				Dir:        filepath.Join(folderPath, entry.Name()),
			})
		}
	}
	return items, nil
}
