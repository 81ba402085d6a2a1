package validation

import (
	"fmt"
	"os"
)

// FileExistsError indicates a path does not exist or has the wrong kind.
type FileExistsError struct {
	Path    string
	Message string
}

func (e *FileExistsError) Error() string {
	return e.Message
}

// CheckFileExists returns nil if path names a regular file.
func CheckFileExists(path string) error {
	return checkPath(path, false)
}

// CheckDirExists returns nil if path names a directory.
func CheckDirExists(path string) error {
	return checkPath(path, true)
}

func checkPath(path string, wantDir bool) error {
	if path == "" {
		return &FileExistsError{Path: path, Message: "path cannot be empty"}
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileExistsError{Path: path, Message: fmt.Sprintf("not found: %s", path)}
		}
		return &FileExistsError{Path: path, Message: fmt.Sprintf("error checking %s: %v", path, err)}
	}

	switch {
	case wantDir && !info.IsDir():
		return &FileExistsError{Path: path, Message: fmt.Sprintf("not a directory: %s", path)}
	case !wantDir && info.IsDir():
		return &FileExistsError{Path: path, Message: fmt.Sprintf("path is a directory, not a file: %s", path)}
	}
	return nil
}
