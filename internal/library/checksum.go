package library

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// MD5File returns the hex MD5 digest of a file.
func MD5File(path string) (string, error) {
	return digestFile(path, md5.New())
}

// SHA1File returns the hex SHA1 digest of a file.
func SHA1File(path string) (string, error) {
	return digestFile(path, sha1.New())
}

func digestFile(path string, h hash.Hash) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &FileSystemError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", &FileSystemError{Op: "hash", Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
