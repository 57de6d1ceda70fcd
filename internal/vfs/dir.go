package vfs

import (
	"io"
	"io/fs"
	"os"
	"time"
)

// DirIter produces directory entries one at a time. Next returns io.EOF
// when the listing is exhausted. Iterators are lazy so a transfer never
// holds more than one batch of entries in memory.
type DirIter interface {
	Next() (Info, error)
	Close() error
}

const readDirBatch = 64

// OpenDir opens vpath for listing, selecting the concrete, virtual, or
// merged source depending on what backs the path.
func (f *FS) OpenDir(vpath string) (DirIter, error) {
	names, isPrefix := f.virtualChildren(vpath)

	var concrete *concreteIter
	if real, ok := f.backing(vpath); ok {
		fh, err := os.Open(real)
		if err == nil {
			st, serr := fh.Stat()
			if serr != nil || !st.IsDir() {
				fh.Close()
				if !isPrefix {
					if serr != nil {
						return nil, serr
					}
					return nil, &fs.PathError{Op: "opendir", Path: vpath, Err: errNotDir}
				}
			} else {
				concrete = &concreteIter{f: fh}
			}
		} else if !isPrefix {
			return nil, err
		}
	} else if !isPrefix && vpath != "/" {
		return nil, &fs.PathError{Op: "opendir", Path: vpath, Err: fs.ErrNotExist}
	}

	virtual := &virtualIter{names: append([]string{".", ".."}, names...)}

	switch {
	case concrete != nil && len(names) > 0:
		return &mergedIter{concrete: concrete, virtual: virtual}, nil
	case concrete != nil:
		return concrete, nil
	default:
		return virtual, nil
	}
}

// SingleEntry returns an iterator over exactly one entry, for listing
// a plain file by name.
func SingleEntry(info Info) DirIter {
	return &singleIter{info: info}
}

type singleIter struct {
	info Info
	done bool
}

func (it *singleIter) Next() (Info, error) {
	if it.done {
		return Info{}, io.EOF
	}
	it.done = true
	return it.info, nil
}

func (it *singleIter) Close() error {
	return nil
}

// concreteIter walks a real directory in batches.
type concreteIter struct {
	f       *os.File
	pending []os.DirEntry
}

func (it *concreteIter) Next() (Info, error) {
	for {
		if len(it.pending) == 0 {
			ents, err := it.f.ReadDir(readDirBatch)
			if len(ents) == 0 {
				if err == nil || err == io.EOF {
					return Info{}, io.EOF
				}
				return Info{}, err
			}
			it.pending = ents
		}

		ent := it.pending[0]
		it.pending = it.pending[1:]

		st, err := ent.Info()
		if err != nil {
			// Entry vanished or is unreadable; report it anyway with
			// placeholder attributes so the listing stays complete.
			kind := KindFile
			if ent.IsDir() {
				kind = KindDir
			}
			return Info{Name: ent.Name(), Kind: kind, ModTime: time.Now()}, nil
		}
		return infoFromOS(ent.Name(), st), nil
	}
}

func (it *concreteIter) Close() error {
	return it.f.Close()
}

// virtualIter yields fabricated 0555 directory entries.
type virtualIter struct {
	names []string
	pos   int
}

func (it *virtualIter) Next() (Info, error) {
	if it.pos >= len(it.names) {
		return Info{}, io.EOF
	}
	name := it.names[it.pos]
	it.pos++
	return Info{
		Name:    name,
		Kind:    KindDir,
		ModTime: time.Now(),
		Mode:    virtualMode | fs.ModeDir,
	}, nil
}

func (it *virtualIter) Close() error {
	return nil
}

// mergedIter drains the concrete listing, then emits mounted names the
// concrete side did not already produce. The fabricated "." and ".."
// entries are not emitted.
type mergedIter struct {
	concrete *concreteIter
	virtual  *virtualIter
	seen     map[string]bool
	done     bool
}

func (it *mergedIter) Next() (Info, error) {
	if !it.done {
		info, err := it.concrete.Next()
		if err == nil {
			if it.seen == nil {
				it.seen = map[string]bool{}
			}
			it.seen[info.Name] = true
			return info, nil
		}
		if err != io.EOF {
			return Info{}, err
		}
		it.done = true
	}

	for {
		info, err := it.virtual.Next()
		if err != nil {
			return Info{}, err
		}
		if info.Name == "." || info.Name == ".." || it.seen[info.Name] {
			continue
		}
		return info, nil
	}
}

func (it *mergedIter) Close() error {
	return it.concrete.Close()
}
