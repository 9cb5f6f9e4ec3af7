// Package web holds the default front-end: the HTML entry point and the
// static assets baked into every serve directory.
package web

import (
	"embed"
	"io/fs"
)

//go:embed templates static
var assets embed.FS

// Templates is the template root copied to the top of the serve directory.
func Templates() fs.FS { return sub("templates") }

// Static is the static root copied to <serve dir>/static.
func Static() fs.FS { return sub("static") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(assets, dir)
	if err != nil {
		// dir is a compile-time constant matched by the embed pattern.
		panic(err)
	}
	return f
}
