package internal

import (
	"io/fs"
	"os"
	"path/filepath"
)

// OsProxy defines the subset of os package functions the uploader uses to find and open local files.
// Add more methods as you need them.
type OsProxy interface {
	Stat(name string) (os.FileInfo, error)
	Open(name string) (*os.File, error)
	Abs(path string) (string, error)
	DirFS(dir string) fs.FS
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

func (RealOS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }      //nolint:revive
func (RealOS) Open(name string) (*os.File, error)    { return os.Open(name) }      //nolint:revive
func (RealOS) Abs(path string) (string, error)       { return filepath.Abs(path) } //nolint:revive
func (RealOS) DirFS(dir string) fs.FS                { return os.DirFS(dir) }      //nolint:revive
