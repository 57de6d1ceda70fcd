package server

import (
	"fmt"
	"io/fs"
	"time"

	"github.com/telmach/ftpd/internal/vfs"
)

// formatNLST renders one name-only listing line.
func formatNLST(info vfs.Info) string {
	return info.Name + "\r\n"
}

// formatLIST renders one Unix-style listing line:
//
//	drwxr-xr-x  1 ftp ftp 0000004096 Jan 02  2006 name
//
// The owner and group are always the literals "ftp", the link count is
// always 1, and the size is zero-padded to width 10. Entries whose
// attributes could not be read are shown with size 0 and the current
// time.
func formatLIST(info vfs.Info, now time.Time) string {
	var t byte
	switch info.Kind {
	case vfs.KindDir:
		t = 'd'
	case vfs.KindSymlink:
		t = 'l'
	default:
		t = '-'
	}

	mtime := info.ModTime
	if mtime.IsZero() {
		mtime = now
	}

	size := info.Size
	if size < 0 {
		size = 0
	}

	return fmt.Sprintf("%c%s  1 ftp ftp %010d %s %s\r\n",
		t, modeString(info.Mode), size, mtime.Format("Jan 02  2006"), info.Name)
}

// modeString renders the nine permission characters.
func modeString(mode fs.FileMode) string {
	var out [9]byte
	const chars = "rwxrwxrwx"
	perm := mode.Perm()
	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			out[i] = chars[i]
		} else {
			out[i] = '-'
		}
	}
	return string(out[:])
}
