package library

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

const illegalSegmentChars = `<>:"|?*`

// SanitizeRelPath turns an origin file name into a safe relative path using
// forward slashes. Names with a ".." segment or an absolute marker (leading
// slash, drive letter, UNC prefix) are rejected outright.
func SanitizeRelPath(name string) (string, error) {
	if name == "" {
		return "", &PathError{Path: name, Reason: "empty name"}
	}
	if strings.ContainsRune(name, 0) {
		return "", &PathError{Path: name, Reason: "contains a NUL byte"}
	}

	normalized := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(normalized, "/") {
		return "", &PathError{Path: name, Reason: "absolute path"}
	}
	if hasDriveLetter(normalized) {
		return "", &PathError{Path: name, Reason: "drive-qualified path"}
	}

	var segments []string
	for _, seg := range strings.Split(normalized, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", &PathError{Path: name, Reason: "parent directory reference"}
		}
		clean := sanitizeSegment(seg)
		if clean == "" {
			continue
		}
		segments = append(segments, clean)
	}

	if len(segments) == 0 {
		return "", &PathError{Path: name, Reason: "no usable path segments"}
	}
	return strings.Join(segments, "/"), nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// sanitizeSegment drops control characters, replaces characters that are
// illegal on common filesystems and protects reserved device names.
func sanitizeSegment(seg string) string {
	var sb strings.Builder
	sb.Grow(len(seg))

	for _, r := range seg {
		switch {
		case unicode.IsControl(r):
			continue
		case strings.ContainsRune(illegalSegmentChars, r):
			sb.WriteRune('_')
		default:
			sb.WriteRune(r)
		}
	}

	s := strings.TrimRight(sb.String(), " .")
	s = strings.TrimLeft(s, " ")
	if s == "" || s == "." || s == ".." {
		return ""
	}

	stem := s
	if i := strings.IndexByte(s, '.'); i > 0 {
		stem = s[:i]
	}
	if reservedNames[strings.ToUpper(stem)] {
		s = stem + "_" + s[len(stem):]
	}
	return s
}

// ResolveInside sanitizes name and joins it onto base, then re-checks that
// the result is still contained in base.
func ResolveInside(base, name string) (string, error) {
	rel, err := SanitizeRelPath(name)
	if err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", &FileSystemError{Op: "resolve", Path: base, Err: err}
	}
	target := filepath.Join(absBase, filepath.FromSlash(rel))

	within, err := filepath.Rel(absBase, target)
	if err != nil || within == "." || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) || filepath.IsAbs(within) {
		return "", &PathError{Path: name, Reason: "escapes item directory"}
	}
	return target, nil
}

// FindOnDisk locates a declared file inside itemDir, matching each path
// segment case-insensitively against the declared name and then against
// its sanitized variant. It returns the real on-disk path.
func FindOnDisk(itemDir, name string) (string, bool) {
	candidates := []string{strings.ReplaceAll(name, `\`, "/")}
	if sanitized, err := SanitizeRelPath(name); err == nil && sanitized != candidates[0] {
		candidates = append(candidates, sanitized)
	}

	for _, candidate := range candidates {
		if strings.HasPrefix(candidate, "/") || hasDriveLetter(candidate) {
			continue
		}
		if p, ok := lookupFold(itemDir, strings.Split(candidate, "/")); ok {
			return p, true
		}
	}
	return "", false
}

func lookupFold(dir string, segments []string) (string, bool) {
	current := dir
	for i, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return "", false
		}

		exact := filepath.Join(current, seg)
		if info, err := os.Stat(exact); err == nil && (i == len(segments)-1) == !info.IsDir() {
			current = exact
			continue
		}

		entries, err := os.ReadDir(current)
		if err != nil {
			return "", false
		}
		found := false
		for _, e := range entries {
			if !strings.EqualFold(e.Name(), seg) {
				continue
			}
			if (i == len(segments)-1) == e.IsDir() {
				continue
			}
			current = filepath.Join(current, e.Name())
			found = true
			break
		}
		if !found {
			return "", false
		}
	}
	return current, true
}
