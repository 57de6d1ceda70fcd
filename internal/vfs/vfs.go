// Package vfs presents a rooted, virtualized view of local storage.
//
// The tree is assembled from mounts: each mount maps a virtual path
// prefix to a backing directory on disk. Prefixes that lie above a mount
// but have no backing of their own ("/fs" when only "/fs/vol" is
// mounted) are fabricated as read-only virtual directories whose entries
// are the mounted names beneath them. A path can be both concretely
// backed and a virtual prefix at once; directory listings then merge the
// two sources.
//
// All paths accepted by FS are absolute virtual paths that have already
// been resolved with Resolve; they always begin with "/" and contain no
// "." or ".." components.
package vfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Kind classifies a directory entry.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

// Info describes one file or directory entry.
type Info struct {
	Name    string
	Kind    Kind
	Size    int64
	ModTime time.Time
	Mode    fs.FileMode
}

// WriteMode selects how OpenWrite positions the file.
type WriteMode int

const (
	// Truncate discards any existing content.
	Truncate WriteMode = iota
	// Append positions every write at end of file.
	Append
	// Overwrite keeps existing content; the handle is seekable so a
	// restarted upload can continue from its marker.
	Overwrite
)

// ReadHandle is a seekable open file.
type ReadHandle interface {
	io.Reader
	io.Seeker
	io.Closer
}

// WriteHandle is an open file for storing. Seeking is only meaningful
// for Truncate and Overwrite handles.
type WriteHandle interface {
	io.Writer
	io.Seeker
	io.Closer
}

// virtualMode is the synthetic mode reported for fabricated directories.
const virtualMode = fs.FileMode(0555)

type mount struct {
	virtual string // "/" or "/name" or "/a/b", cleaned, no trailing slash
	real    string // backing directory on disk
}

// FS is the filesystem facade. It is safe to share across sessions; it
// holds no per-call state.
type FS struct {
	mounts   []mount // sorted by descending virtual path length
	readOnly bool
}

// Option configures an FS.
type Option func(*FS)

// WithReadOnly rejects every mutating operation with fs.ErrPermission.
func WithReadOnly(ro bool) Option {
	return func(f *FS) { f.readOnly = ro }
}

// New builds a facade from a mount table. Keys are virtual path
// prefixes, values are backing directories. Every backing directory must
// exist.
func New(mounts map[string]string, opts ...Option) (*FS, error) {
	if len(mounts) == 0 {
		return nil, errors.New("vfs: no mounts")
	}

	f := &FS{}
	for virtual, real := range mounts {
		virtual = path.Clean("/" + strings.TrimPrefix(virtual, "/"))
		st, err := os.Stat(real)
		if err != nil {
			return nil, err
		}
		if !st.IsDir() {
			return nil, &fs.PathError{Op: "mount", Path: real, Err: errors.New("not a directory")}
		}
		f.mounts = append(f.mounts, mount{virtual: virtual, real: real})
	}

	sort.Slice(f.mounts, func(i, j int) bool {
		return len(f.mounts[i].virtual) > len(f.mounts[j].virtual)
	})

	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// ReadOnly reports whether mutating operations are rejected.
func (f *FS) ReadOnly() bool {
	return f.readOnly
}

// backing resolves a virtual path to its on-disk location via the
// longest matching mount. ok is false for paths with no concrete
// backing.
func (f *FS) backing(vpath string) (string, bool) {
	for _, m := range f.mounts {
		if m.virtual == "/" {
			return path.Join(m.real, vpath), true
		}
		if vpath == m.virtual {
			return m.real, true
		}
		if strings.HasPrefix(vpath, m.virtual+"/") {
			return path.Join(m.real, vpath[len(m.virtual):]), true
		}
	}
	return "", false
}

// virtualChildren lists the mount names directly beneath vpath. prefix
// is true when vpath is "/" or an ancestor of at least one mount, i.e. a
// path the overlay must present as a directory.
func (f *FS) virtualChildren(vpath string) (names []string, prefix bool) {
	base := vpath
	if base != "/" {
		base += "/"
	}

	seen := map[string]bool{}
	for _, m := range f.mounts {
		if m.virtual == vpath && vpath == "/" {
			prefix = true
			continue
		}
		if !strings.HasPrefix(m.virtual, base) {
			continue
		}
		prefix = true
		rest := m.virtual[len(base):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" && !seen[rest] {
			seen[rest] = true
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names, prefix
}

// Resolve normalizes arg against cwd: empty means cwd, a leading slash
// means absolute, "." and ".." collapse segment-wise, and attempts to
// escape the root collapse to "/". The result always begins with "/".
func Resolve(cwd, arg string) string {
	if arg == "" {
		return cwd
	}

	p := arg
	if !strings.HasPrefix(p, "/") {
		p = cwd + "/" + p
	}

	var out []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}

	return "/" + strings.Join(out, "/")
}

// Stat describes the entry at vpath, following symlinks. Virtual
// prefixes with no concrete backing are fabricated as 0555 directories.
func (f *FS) Stat(vpath string) (Info, error) {
	if real, ok := f.backing(vpath); ok {
		st, err := os.Stat(real)
		if err == nil {
			return infoFromOS(path.Base(vpath), st), nil
		}
		if _, isPrefix := f.virtualChildren(vpath); !isPrefix {
			return Info{}, err
		}
	}

	if _, isPrefix := f.virtualChildren(vpath); isPrefix || vpath == "/" {
		return Info{
			Name:    path.Base(vpath),
			Kind:    KindDir,
			ModTime: time.Now(),
			Mode:    virtualMode | fs.ModeDir,
		}, nil
	}
	return Info{}, &fs.PathError{Op: "stat", Path: vpath, Err: fs.ErrNotExist}
}

// Chdir resolves rel against cwd and validates that the result is a
// directory, returning the new working directory.
func (f *FS) Chdir(cwd, rel string) (string, error) {
	next := Resolve(cwd, rel)
	info, err := f.Stat(next)
	if err != nil {
		return "", err
	}
	if info.Kind != KindDir {
		return "", &fs.PathError{Op: "chdir", Path: next, Err: errNotDir}
	}
	return next, nil
}

// OpenRead opens vpath for reading. The handle is seekable for REST.
func (f *FS) OpenRead(vpath string) (ReadHandle, error) {
	real, ok := f.backing(vpath)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: vpath, Err: fs.ErrNotExist}
	}
	fh, err := os.Open(real)
	if err != nil {
		return nil, err
	}
	st, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, err
	}
	if st.IsDir() {
		fh.Close()
		return nil, &fs.PathError{Op: "open", Path: vpath, Err: errIsDir}
	}
	return fh, nil
}

// OpenWrite opens vpath for storing, creating missing parent
// directories beneath the mount.
func (f *FS) OpenWrite(vpath string, mode WriteMode) (WriteHandle, error) {
	if f.readOnly {
		return nil, &fs.PathError{Op: "open", Path: vpath, Err: fs.ErrPermission}
	}
	real, ok := f.backing(vpath)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: vpath, Err: fs.ErrPermission}
	}

	if err := os.MkdirAll(path.Dir(real), 0755); err != nil {
		return nil, err
	}

	flags := os.O_WRONLY | os.O_CREATE
	switch mode {
	case Truncate:
		flags |= os.O_TRUNC
	case Append:
		flags |= os.O_APPEND
	}
	return os.OpenFile(real, flags, 0644)
}

// Mkdir creates a directory.
func (f *FS) Mkdir(vpath string) error {
	if f.readOnly {
		return &fs.PathError{Op: "mkdir", Path: vpath, Err: fs.ErrPermission}
	}
	real, ok := f.backing(vpath)
	if !ok {
		return &fs.PathError{Op: "mkdir", Path: vpath, Err: fs.ErrPermission}
	}
	return os.Mkdir(real, 0755)
}

// Rmdir removes an empty directory. Non-empty directories fail with the
// underlying ENOTEMPTY so the verb layer can answer 550.
func (f *FS) Rmdir(vpath string) error {
	if f.readOnly {
		return &fs.PathError{Op: "rmdir", Path: vpath, Err: fs.ErrPermission}
	}
	real, ok := f.backing(vpath)
	if !ok {
		return &fs.PathError{Op: "rmdir", Path: vpath, Err: fs.ErrPermission}
	}
	st, err := os.Lstat(real)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return &fs.PathError{Op: "rmdir", Path: vpath, Err: errNotDir}
	}
	return os.Remove(real)
}

// Unlink removes a file.
func (f *FS) Unlink(vpath string) error {
	if f.readOnly {
		return &fs.PathError{Op: "unlink", Path: vpath, Err: fs.ErrPermission}
	}
	real, ok := f.backing(vpath)
	if !ok {
		return &fs.PathError{Op: "unlink", Path: vpath, Err: fs.ErrPermission}
	}
	st, err := os.Lstat(real)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return &fs.PathError{Op: "unlink", Path: vpath, Err: errIsDir}
	}
	return os.Remove(real)
}

// Rename moves from to to. Both must resolve inside a mount.
func (f *FS) Rename(from, to string) error {
	if f.readOnly {
		return &fs.PathError{Op: "rename", Path: from, Err: fs.ErrPermission}
	}
	realFrom, okFrom := f.backing(from)
	realTo, okTo := f.backing(to)
	if !okFrom || !okTo {
		return &fs.PathError{Op: "rename", Path: from, Err: fs.ErrPermission}
	}
	return os.Rename(realFrom, realTo)
}

var (
	errNotDir = errors.New("not a directory")
	errIsDir  = errors.New("is a directory")
)

// IsNotDir reports whether err means "not a directory", from either this
// package or the OS.
func IsNotDir(err error) bool {
	return errors.Is(err, errNotDir) || errors.Is(err, unix.ENOTDIR)
}

// IsDir reports whether err means "is a directory".
func IsDir(err error) bool {
	return errors.Is(err, errIsDir) || errors.Is(err, unix.EISDIR)
}

// IsNotEmpty reports whether err is the ENOTEMPTY from removing a
// non-empty directory.
func IsNotEmpty(err error) bool {
	return errors.Is(err, unix.ENOTEMPTY)
}

// IsNameTooLong reports whether err is ENAMETOOLONG.
func IsNameTooLong(err error) bool {
	return errors.Is(err, unix.ENAMETOOLONG)
}

func infoFromOS(name string, st fs.FileInfo) Info {
	kind := KindFile
	switch {
	case st.IsDir():
		kind = KindDir
	case st.Mode()&fs.ModeSymlink != 0:
		kind = KindSymlink
	}
	return Info{
		Name:    name,
		Kind:    kind,
		Size:    st.Size(),
		ModTime: st.ModTime(),
		Mode:    st.Mode(),
	}
}
