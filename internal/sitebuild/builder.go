// Package sitebuild bakes the front-end into a servable directory.
package sitebuild

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"demoserve/internal/common/fsutil"
	"demoserve/internal/render"
)

// Layout of a serve directory, relative to its root.
const (
	StaticDir       = "static"
	ConfigFile      = "static/config.json"
	AssociationFile = "apple-app-site-association"
	associationSrc  = "static/apple-app-site-association"
	inputJSPattern  = "static/js/interfaces/input/%s.js"
	outputJSPattern = "static/js/interfaces/output/%s.js"
	tagInputType    = "input_interface_type"
	tagOutputType   = "output_interface_type"
	tagShareURL     = "share_url"
)

// Component is the part of an input or output kind the builder needs.
type Component interface {
	Name() string
	JSContext() render.Context
}

// Builder copies the template and static roots into a target directory and
// renders the interface-specific files.
type Builder struct {
	Templates fs.FS
	Static    fs.FS
	Logger    zerolog.Logger
}

// New returns a Builder over the given asset roots.
func New(templates, static fs.FS, logger zerolog.Logger) *Builder {
	return &Builder{Templates: templates, Static: static, Logger: logger}
}

// Build populates target with the assets and renders the JS includes of in
// and out plus the interface types in config.json. Any missing asset is
// fatal.
func (b *Builder) Build(target string, in, out Component) error {
	if b.Templates == nil || b.Static == nil {
		return fmt.Errorf("builder has no asset roots")
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if err := fsutil.CopyFS(target, b.Templates); err != nil {
		return fmt.Errorf("copy templates: %w", err)
	}
	if err := fsutil.CopyFS(filepath.Join(target, StaticDir), b.Static); err != nil {
		return fmt.Errorf("copy static assets: %w", err)
	}
	if err := fsutil.CopyFile(join(target, associationSrc), join(target, AssociationFile)); err != nil {
		return fmt.Errorf("copy site association file: %w", err)
	}
	if err := render.File(join(target, fmt.Sprintf(inputJSPattern, in.Name())), in.JSContext()); err != nil {
		return fmt.Errorf("render input %q: %w", in.Name(), err)
	}
	if err := render.File(join(target, fmt.Sprintf(outputJSPattern, out.Name())), out.JSContext()); err != nil {
		return fmt.Errorf("render output %q: %w", out.Name(), err)
	}
	if err := SetInterfaceTypes(target, in.Name(), out.Name()); err != nil {
		return err
	}
	b.Logger.Debug().Str("dir", target).Str("input", in.Name()).Str("output", out.Name()).Msg("site built")
	return nil
}

// SetInterfaceTypes renders the interface type tags into config.json.
func SetInterfaceTypes(target, input, output string) error {
	ctx := render.Context{{Key: tagInputType, Value: input}, {Key: tagOutputType, Value: output}}
	if err := render.File(join(target, ConfigFile), ctx); err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	return nil
}

// InjectShareURL renders the public URL into config.json. It only touches
// the share_url tag, so it composes with earlier renders.
func InjectShareURL(target, url string) error {
	if err := render.File(join(target, ConfigFile), render.Context{{Key: tagShareURL, Value: url}}); err != nil {
		return fmt.Errorf("render share url: %w", err)
	}
	return nil
}

func join(root, rel string) string { return filepath.Join(root, filepath.FromSlash(rel)) }
