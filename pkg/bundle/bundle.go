// Package bundle decodes downloaded asset packages and resolves the named
// object inside them.
//
// A package is a POSIX tar archive, optionally gzip-compressed. Each regular
// file entry is one object; the entry name is the object name and the entry
// body is the opaque prefab handed to the scene.
package bundle

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/klauspost/compress/gzip"

	"github.com/hashicorp-forge/augment/pkg/assetid"
)

// maxObjectSize bounds a single decoded object.
const maxObjectSize = 256 << 20

var gzipMagic = []byte{0x1f, 0x8b}

// ErrEmptyPackage is returned when decoding zero bytes.
var ErrEmptyPackage = errors.New("package is empty")

// Object is one named prefab inside a package.
type Object struct {
	Name   string
	Prefab []byte
}

// Package is a decoded asset package.
type Package struct {
	objects map[string][]byte
	names   []string
}

// Names returns the object names in archive order.
func (p *Package) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Len returns the number of objects.
func (p *Package) Len() int {
	return len(p.names)
}

// ResolvedAsset is the object extracted from a package for one identifier.
type ResolvedAsset struct {
	ID     assetid.ID
	Prefab []byte
}

// AssetNotFoundError is returned by Resolve when the package holds no object
// named exactly like the identifier. The package bytes are still valid.
type AssetNotFoundError struct {
	ID        assetid.ID
	Available []string
}

func (e *AssetNotFoundError) Error() string {
	return fmt.Sprintf("object %q not found in package (%d objects)", e.ID, len(e.Available))
}

// Decode parses package bytes.
func Decode(data []byte) (*Package, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPackage
	}

	var r io.Reader = bytes.NewReader(data)
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	pkg := &Package{objects: make(map[string][]byte)}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read package entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > maxObjectSize {
			return nil, fmt.Errorf("object %q exceeds %d bytes", hdr.Name, maxObjectSize)
		}

		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read object %q: %w", hdr.Name, err)
		}

		name := path.Clean(hdr.Name)
		if _, dup := pkg.objects[name]; !dup {
			pkg.names = append(pkg.names, name)
		}
		pkg.objects[name] = body
	}

	return pkg, nil
}

// Resolve returns the object whose name equals id exactly.
func Resolve(pkg *Package, id assetid.ID) (*ResolvedAsset, error) {
	if pkg == nil {
		return nil, &AssetNotFoundError{ID: id}
	}
	prefab, ok := pkg.objects[id.String()]
	if !ok {
		return nil, &AssetNotFoundError{ID: id, Available: pkg.Names()}
	}
	return &ResolvedAsset{ID: id, Prefab: prefab}, nil
}

// Encode writes objects as a package. With compress set the archive is
// gzip-compressed.
func Encode(objects []Object, compress bool) ([]byte, error) {
	var buf bytes.Buffer

	var w io.Writer = &buf
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(&buf)
		w = zw
	}

	tw := tar.NewWriter(w)
	for _, obj := range objects {
		if obj.Name == "" {
			return nil, fmt.Errorf("object name cannot be empty")
		}
		hdr := &tar.Header{
			Name:     obj.Name,
			Mode:     0o644,
			Size:     int64(len(obj.Prefab)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write header for %q: %w", obj.Name, err)
		}
		if _, err := tw.Write(obj.Prefab); err != nil {
			return nil, fmt.Errorf("failed to write object %q: %w", obj.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close gzip stream: %w", err)
		}
	}

	return buf.Bytes(), nil
}
