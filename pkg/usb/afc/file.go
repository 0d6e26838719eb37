package afc

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"
)

const (
	afcOpStatus         = 0x00000001
	afcOpData           = 0x00000002 /* Data */
	afcOpMakeDir        = 0x00000009 /* MakeDir */
	afcOpGetFileInfo    = 0x0000000a /* GetFileInfo */
	afcOpFileRefOpen    = 0x0000000d /* FileRefOpen */
	afcOpFileRefOpenRes = 0x0000000e /* FileRefOpenResult */
	afcOpFileRefWrite   = 0x00000010 /* FileRefWrite */
	afcOpFileRefClose   = 0x00000014 /* FileRefClose */
)

// FileRef is an open file on the device.
type FileRef struct {
	c   *Client
	ref uint64
}

// Write sends p to the device, split across as many packets as needed.
func (f *FileRef) Write(p []byte) (n int, err error) {
	for n < len(p) {
		end := min(n+maxWriteSize, len(p))
		if err := f.c.requestNoReply(afcOpFileRefWrite, p[n:end], f.ref); err != nil {
			return n, err
		}
		n = end
	}
	return n, nil
}

func (f *FileRef) Close() error {
	return f.c.requestNoReply(afcOpFileRefClose, nil, f.ref)
}

func (c *Client) MakeDir(dir string) error {
	return c.requestNoReply(afcOpMakeDir, nil, dir)
}

func (c *Client) GetFileInfo(name string) (os.FileInfo, error) {
	info, err := c.requestStringList(afcOpGetFileInfo, nil, name)
	if err != nil {
		return nil, err
	}
	fi, err := newFileInfo(name, info)
	if err != nil {
		return nil, err
	}
	return fi, nil
}

func (c *Client) FileRefOpen(name string, flags int) (*FileRef, error) {
	mode, err := openFlagsToAfcFlags(flags)
	if err != nil {
		return nil, err
	}
	resp, err := c.request(afcOpFileRefOpen, nil, mode, name)
	if err != nil {
		return nil, err
	}
	if resp.operation != afcOpFileRefOpenRes || len(resp.data) < 8 {
		return nil, fmt.Errorf("%w: unexpected reply %#x to FileRefOpen", ErrMalformed, resp.operation)
	}
	fr := &FileRef{
		c:   c,
		ref: binary.LittleEndian.Uint64(resp.data),
	}
	return fr, nil
}

// OpenFile is FileRefOpen for callers that only need to write.
func (c *Client) OpenFile(name string, flags int) (io.WriteCloser, error) {
	return c.FileRefOpen(name, flags)
}

type fileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func newFileInfo(name string, infoList []string) (*fileInfo, error) {
	fi := &fileInfo{
		name: path.Base(name),
	}
	info, err := listToDict(infoList)
	if err != nil {
		return nil, err
	}
	fi.size, err = strconv.ParseInt(info["st_size"], 10, 64)
	if err != nil {
		return nil, err
	}
	mtime, err := strconv.ParseInt(info["st_mtime"], 10, 64)
	if err != nil {
		return nil, err
	}
	fi.modTime = time.Unix(0, mtime)
	switch info["st_ifmt"] {
	case "S_IFBLK":
		fi.mode |= os.ModeDevice
	case "S_IFCHR":
		fi.mode |= os.ModeDevice | os.ModeCharDevice
	case "S_IFDIR":
		fi.mode |= os.ModeDir
	case "S_IFIFO":
		fi.mode |= os.ModeNamedPipe
	case "S_IFLNK":
		fi.mode |= os.ModeSymlink
	case "S_IFREG":
		// nothing to do
	case "S_IFSOCK":
		fi.mode |= os.ModeSocket
	}
	return fi, nil
}

func (f *fileInfo) Name() string {
	return f.name
}

func (f *fileInfo) Size() int64 {
	return f.size
}

func (f *fileInfo) Mode() os.FileMode {
	return f.mode
}

func (f *fileInfo) ModTime() time.Time {
	return f.modTime
}

func (f *fileInfo) IsDir() bool {
	return f.mode&os.ModeDir != 0
}

func (f *fileInfo) Sys() any {
	return nil
}
