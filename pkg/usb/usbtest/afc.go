package usbtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/blacktop/lomux/pkg/usb"
)

const (
	afcHeaderSize = 40
	afcMagic      = "CFA6LPAA"

	afcStatus         = 0x01
	afcData           = 0x02
	afcMakeDir        = 0x09
	afcGetFileInfo    = 0x0a
	afcFileRefOpen    = 0x0d
	afcFileRefOpenRes = 0x0e
	afcFileRefWrite   = 0x10
	afcFileRefClose   = 0x14

	afcSuccess        = 0
	afcObjectNotFound = 8
	afcPermDenied     = 10
	afcNotSupported   = 15
)

type afcHeader struct {
	Magic        [8]byte
	EntireLength uint64
	ThisLength   uint64
	PacketNum    uint64
	Operation    uint64
}

// FS is an in-memory device file system.
type FS struct {
	mu    sync.Mutex
	dirs  map[string]bool
	files map[string][]byte
	refs  map[uint64]string
	next  uint64

	// ReadOnly denies every change.
	ReadOnly bool
}

// NewFS returns a file system holding the given directories.
func NewFS(dirs ...string) *FS {
	fs := &FS{
		dirs:  map[string]bool{"": true},
		files: make(map[string][]byte),
		refs:  make(map[uint64]string),
	}
	for _, dir := range dirs {
		fs.dirs[clean(dir)] = true
	}
	return fs
}

func clean(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

// Dir reports whether name is a directory.
func (fs *FS) Dir(name string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.dirs[clean(name)]
}

// File returns the contents of name.
func (fs *FS) File(name string) ([]byte, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, ok := fs.files[clean(name)]
	return bytes.Clone(data), ok
}

// AFC serves fs over the AFC wire protocol.
func AFC(fs *FS) ConnFunc {
	return func(c *usb.Client) {
		conn := c.Conn()
		for {
			var hdr afcHeader
			if err := binary.Read(conn, binary.LittleEndian, &hdr); err != nil {
				return
			}
			if string(hdr.Magic[:]) != afcMagic || hdr.ThisLength < afcHeaderSize || hdr.EntireLength < hdr.ThisLength {
				return
			}
			args := make([]byte, hdr.ThisLength-afcHeaderSize)
			if _, err := io.ReadFull(conn, args); err != nil {
				return
			}
			payload := make([]byte, hdr.EntireLength-hdr.ThisLength)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}

			op, data, out := fs.handle(hdr.Operation, args, payload)
			if err := writeAFC(conn, hdr.PacketNum, op, data, out); err != nil {
				return
			}
		}
	}
}

func status(code uint64) (uint64, []byte, []byte) {
	return afcStatus, binary.LittleEndian.AppendUint64(nil, code), nil
}

func cstring(b []byte) string {
	s, _, _ := strings.Cut(string(b), "\x00")
	return s
}

func (fs *FS) handle(op uint64, args, payload []byte) (uint64, []byte, []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	switch op {
	case afcGetFileInfo:
		name := clean(cstring(args))
		var info string
		switch {
		case fs.dirs[name]:
			info = "st_size\x000\x00st_mtime\x001700000000000000000\x00st_ifmt\x00S_IFDIR\x00"
		case fs.files[name] != nil:
			info = fmt.Sprintf("st_size\x00%d\x00st_mtime\x001700000000000000000\x00st_ifmt\x00S_IFREG\x00", len(fs.files[name]))
		default:
			return status(afcObjectNotFound)
		}
		return afcData, nil, []byte(info)
	case afcMakeDir:
		name := clean(cstring(args))
		if fs.ReadOnly {
			return status(afcPermDenied)
		}
		if !fs.dirs[path.Dir("/" + name)[1:]] {
			return status(afcObjectNotFound)
		}
		fs.dirs[name] = true
		return status(afcSuccess)
	case afcFileRefOpen:
		if len(args) < 8 {
			return status(afcNotSupported)
		}
		name := clean(cstring(args[8:]))
		if fs.ReadOnly {
			return status(afcPermDenied)
		}
		if !fs.dirs[path.Dir("/" + name)[1:]] {
			return status(afcObjectNotFound)
		}
		fs.next++
		fs.refs[fs.next] = name
		fs.files[name] = []byte{}
		return afcFileRefOpenRes, binary.LittleEndian.AppendUint64(nil, fs.next), nil
	case afcFileRefWrite:
		if len(args) < 8 {
			return status(afcNotSupported)
		}
		name, ok := fs.refs[binary.LittleEndian.Uint64(args)]
		if !ok {
			return status(afcObjectNotFound)
		}
		fs.files[name] = append(fs.files[name], payload...)
		return status(afcSuccess)
	case afcFileRefClose:
		if len(args) < 8 {
			return status(afcNotSupported)
		}
		delete(fs.refs, binary.LittleEndian.Uint64(args))
		return status(afcSuccess)
	}
	return status(afcNotSupported)
}

func writeAFC(w io.Writer, packetNum, op uint64, data, payload []byte) error {
	hdr := afcHeader{
		EntireLength: afcHeaderSize + uint64(len(data)) + uint64(len(payload)),
		ThisLength:   afcHeaderSize + uint64(len(data)),
		PacketNum:    packetNum,
		Operation:    op,
	}
	copy(hdr.Magic[:], afcMagic)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	buf.Write(data)
	buf.Write(payload)
	_, err := w.Write(buf.Bytes())
	return err
}
