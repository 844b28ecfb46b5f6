package origin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrNoFiles is returned when origin metadata carries no usable file list.
var ErrNoFiles = errors.New("origin metadata has no files")

// MetadataError reports origin metadata that cannot be used for retrieval.
type MetadataError struct {
	Identifier string
	Err        error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata for %q: %v", e.Identifier, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// Metadata is the authoritative remote description of an item.
type Metadata struct {
	Files    []File   `json:"files"`
	Metadata ItemInfo `json:"metadata"`
	Server   string   `json:"server,omitempty"`
	Dir      string   `json:"dir,omitempty"`
}

// ItemInfo holds the item-level descriptive fields used locally.
type ItemInfo struct {
	Identifier FlexString `json:"identifier"`
	Title      FlexString `json:"title"`
	MediaType  FlexString `json:"mediatype"`
}

// File is one declared file of an item.
type File struct {
	Name     string    `json:"name"`
	Size     FlexInt64 `json:"size"`
	Source   string    `json:"source,omitempty"`
	Original string    `json:"original,omitempty"`
	MD5      string    `json:"md5,omitempty"`
	SHA1     string    `json:"sha1,omitempty"`
	Format   string    `json:"format,omitempty"`
	Mtime    string    `json:"mtime,omitempty"`
}

// FindFile returns the declared file with the given name.
func (m *Metadata) FindFile(name string) (File, bool) {
	for _, f := range m.Files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

// Parse decodes a metadata document and checks that it lists files.
func Parse(identifier string, data []byte) (*Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, &MetadataError{Identifier: identifier, Err: fmt.Errorf("malformed metadata: %w", err)}
	}
	if len(md.Files) == 0 {
		return nil, &MetadataError{Identifier: identifier, Err: ErrNoFiles}
	}
	return &md, nil
}

// FlexInt64 accepts either a JSON number or a numeric string.
// Origin metadata declares sizes as strings.
type FlexInt64 int64

func (n *FlexInt64) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", s, err)
		}
		*n = FlexInt64(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = FlexInt64(v)
	return nil
}

func (n FlexInt64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(n), 10))), nil
}

// FlexString accepts a JSON string or an array of strings (first element wins).
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '[' {
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		if len(list) > 0 {
			*s = FlexString(list[0])
		} else {
			*s = ""
		}
		return nil
	}
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = FlexString(v)
	return nil
}
