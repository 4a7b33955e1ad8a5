// Package firmware provides a shared firmware image registry.
//
// Multiple device instances can run the same firmware image; the registry
// loads each named image once into device-visible memory and shares it
// through reference-counted handles. The registry has an explicit owner
// and injected collaborators (loader, allocator) so its lifetime is the
// owner's, not the process's.
package firmware

import (
	"fmt"
	"sync"

	"github.com/hwplane/kci/internal/dma"
	"github.com/hwplane/kci/internal/logging"
)

// Loader fetches a firmware image by name from wherever images live.
type Loader interface {
	LoadImage(name string) ([]byte, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(name string) ([]byte, error)

func (f LoaderFunc) LoadImage(name string) ([]byte, error) { return f(name) }

// Registry shares loaded firmware buffers between devices.
type Registry struct {
	loader Loader
	alloc  dma.Allocator
	log    *logging.Logger

	mu     sync.Mutex
	images map[string]*image
}

type image struct {
	name string
	buf  *dma.Buffer
	refs int
}

// Handle is one reference to a shared firmware buffer. Close it when the
// device no longer runs this image; the buffer is freed when the last
// handle closes.
type Handle struct {
	reg *Registry
	img *image

	mu     sync.Mutex
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(loader Loader, alloc dma.Allocator, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default()
	}
	return &Registry{
		loader: loader,
		alloc:  alloc,
		log:    log,
		images: make(map[string]*image),
	}
}

// Open returns a handle to the named image, loading it into device-visible
// memory on first use.
func (r *Registry) Open(name string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if img, ok := r.images[name]; ok {
		img.refs++
		return &Handle{reg: r, img: img}, nil
	}

	data, err := r.loader.LoadImage(name)
	if err != nil {
		return nil, fmt.Errorf("firmware: load %q: %w", name, err)
	}
	buf, err := r.alloc.Alloc(len(data))
	if err != nil {
		return nil, fmt.Errorf("firmware: buffer for %q: %w", name, err)
	}
	copy(buf.Bytes, data)

	img := &image{name: name, buf: buf, refs: 1}
	r.images[name] = img
	r.log.Debug("loaded shared firmware image", "name", name, "size", len(data))
	return &Handle{reg: r, img: img}, nil
}

// Loaded reports whether the named image is currently resident.
func (r *Registry) Loaded(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.images[name]
	return ok
}

// Close releases every resident image regardless of outstanding handles.
// Only valid at owner shutdown, after all devices are detached.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, img := range r.images {
		if img.refs > 0 {
			r.log.Warn("firmware image still referenced at registry close",
				"name", name, "refs", img.refs)
		}
		r.alloc.Free(img.buf)
		delete(r.images, name)
	}
}

// Name returns the image name the handle refers to.
func (h *Handle) Name() string { return h.img.name }

// Buffer returns the shared device-visible buffer holding the image.
func (h *Handle) Buffer() *dma.Buffer { return h.img.buf }

// Close drops this reference. The underlying buffer is freed when the
// last reference closes. Closing twice is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	r := h.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	h.img.refs--
	if h.img.refs > 0 {
		return nil
	}
	delete(r.images, h.img.name)
	return r.alloc.Free(h.img.buf)
}
