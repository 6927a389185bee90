package apps

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"strconv"

	"github.com/marmos91/ferment/internal/logger"
	"github.com/marmos91/ferment/pkg/wsgi"
)

// StaticConfig configures the static file application.
type StaticConfig struct {
	// Root is the directory served. Requests cannot escape it.
	Root string `mapstructure:"root" yaml:"root"`

	// Blocksize is the send-file block size. Negative lets the kernel send
	// as much as it can per call; 0 selects wsgi.DefaultBlocksize.
	Blocksize int `mapstructure:"blocksize" yaml:"blocksize"`

	// Index is the file served for a directory. Default "index.html".
	Index string `mapstructure:"index" yaml:"index"`
}

// Static serves files below a root directory.
//
// Files are returned through wsgi.FileWrapper with a Content-Length, so
// the server sends them with sendfile(2) unless the response is chunked.
type Static struct {
	root      *os.Root
	blocksize int
	index     string
}

// NewStatic opens cfg.Root. The root must exist and be a directory.
func NewStatic(cfg StaticConfig) (*Static, error) {
	dir := cfg.Root
	if dir == "" {
		dir = "."
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open static root %q: %w", dir, err)
	}

	blocksize := cfg.Blocksize
	if blocksize == 0 {
		blocksize = wsgi.DefaultBlocksize
	}
	index := cfg.Index
	if index == "" {
		index = "index.html"
	}

	logger.Debug("Serving static files from %s (blocksize %d)", dir, blocksize)
	return &Static{root: root, blocksize: blocksize, index: index}, nil
}

// Call implements wsgi.Application.
func (s *Static) Call(env *wsgi.Environ, start wsgi.StartResponse) (wsgi.Body, error) {
	method := env.Get("REQUEST_METHOD")
	if method != "GET" && method != "HEAD" {
		return plain(start, "405 Method Not Allowed", "Method Not Allowed\n",
			wsgi.Header{Name: "Allow", Value: "GET, HEAD"})
	}

	name := relativeName(env.Get("PATH_INFO"))
	f, info, err := s.open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return plain(start, "404 Not Found", "Not Found\n")
		}
		return nil, err
	}

	headers := []wsgi.Header{
		{Name: "Content-Type", Value: contentType(info.Name())},
		{Name: "Content-Length", Value: strconv.FormatInt(info.Size(), 10)},
		{Name: "Last-Modified", Value: info.ModTime().UTC().Format(httpTimeFormat)},
	}
	if err := start.Start("200 OK", headers, nil); err != nil {
		_ = f.Close()
		return nil, err
	}

	if method == "HEAD" {
		_ = f.Close()
		return wsgi.NewBytesBody(), nil
	}
	return wsgi.NewFileWrapper(f, s.blocksize), nil
}

// open opens name, falling back to the index file for directories.
func (s *Static) open(name string) (*os.File, fs.FileInfo, error) {
	f, err := s.root.Open(name)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if !info.IsDir() {
		return f, info, nil
	}
	_ = f.Close()

	f, err = s.root.Open(path.Join(name, s.index))
	if err != nil {
		return nil, nil, err
	}
	if info, err = f.Stat(); err != nil || info.IsDir() {
		_ = f.Close()
		return nil, nil, fs.ErrNotExist
	}
	return f, info, nil
}

// Close releases the root directory.
func (s *Static) Close() error {
	return s.root.Close()
}

const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// relativeName maps a request path to a name inside the root.
func relativeName(p string) string {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "."
	}
	return clean[1:]
}

func contentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
