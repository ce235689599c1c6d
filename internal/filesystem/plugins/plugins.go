// Package plugins registers the built-in file-system plugins. Every process
// (driver or dispatched worker) builds its own registry through NewRegistry.
package plugins

import (
	"github.com/nucleus/segpush/internal/filesystem"
	"github.com/nucleus/segpush/internal/filesystem/s3"
	"github.com/nucleus/segpush/internal/filesystem/webhdfs"
	"github.com/nucleus/segpush/internal/jobspec"
)

// NewRegistry returns a plugin registry holding fs.local, fs.s3 and fs.hdfs.
func NewRegistry() *filesystem.PluginRegistry {
	reg := filesystem.NewPluginRegistry()
	reg.Register(jobspec.LocalClassName, filesystem.NewLocalFS)
	reg.Register(s3.ClassName, s3.New)
	reg.Register(webhdfs.ClassName, webhdfs.New)
	return reg
}

// Bind builds a fresh plugin registry and binds every scheme in specs.
func Bind(specs []jobspec.FSSpec) (*filesystem.Registry, error) {
	return filesystem.Bind(NewRegistry(), specs)
}
