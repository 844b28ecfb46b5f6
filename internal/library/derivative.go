package library

import (
	"path"
	"regexp"
	"strings"

	"github.com/arcmirror/arcmirror/internal/origin"
)

var (
	derivativeSuffixes = []string{
		"_thumb",
		"__ia_thumb",
		"_itemimage",
	}

	companionSuffixes = []string{
		"_files.xml",
		"_meta.xml",
		"_meta.sqlite",
		"_reviews.xml",
		"_archive.torrent",
		"_spectrogram.png",
	}

	sizeTokenPattern = regexp.MustCompile(`(^|[_.\-\s])(thumbs?|small|medium|large)$`)
)

// IsDerivative reports whether a declared file is a generated artifact.
// A derivative marker in metadata (source "derivative" or an original
// back-reference) or a matching file name is enough; a source of
// "original" or "metadata" does not exempt a file from the name check.
func IsDerivative(f origin.File) bool {
	if f.Original != "" || strings.EqualFold(f.Source, "derivative") {
		return true
	}
	return MatchesDerivativeName(f.Name)
}

// MatchesDerivativeName applies the filename heuristic on its own.
func MatchesDerivativeName(name string) bool {
	lower := strings.ToLower(strings.ReplaceAll(name, `\`, "/"))

	if strings.Contains(lower, ".thumbs/") {
		return true
	}

	for _, s := range companionSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}

	base := path.Base(lower)
	ext := path.Ext(base)
	if ext == ".gif" {
		return true
	}

	stem := strings.TrimSuffix(base, ext)
	for _, s := range derivativeSuffixes {
		if strings.HasSuffix(stem, s) {
			return true
		}
	}

	return sizeTokenPattern.MatchString(stem)
}

// PrimaryFile picks the file to retrieve when none was requested: the first
// non-derivative file, or the first file when every file is a derivative.
func PrimaryFile(md *origin.Metadata) (origin.File, error) {
	if md == nil || len(md.Files) == 0 {
		return origin.File{}, origin.ErrNoFiles
	}
	for _, f := range md.Files {
		if !IsDerivative(f) {
			return f, nil
		}
	}
	return md.Files[0], nil
}
