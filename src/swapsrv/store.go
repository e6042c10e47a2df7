package swapsrv

import (
	"encoding/binary"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/prometheus/common/log"
	"golang.org/x/sys/unix"

	"mem"
)

// FormatVersion is the on-disk swap-partition header version this build
// writes and accepts. A mismatched or unparsable header is rejected
// rather than silently misread.
var FormatVersion = semver.MustParse("1.0.0")

const headerSize = mem.PGSIZE

// BlockDevice is the swap server's backing store. A page-sized slot is
// addressed purely by its index; callers never see byte offsets.
type BlockDevice interface {
	ReadAt(slot uint32, buf []byte) error
	WriteAt(slot uint32, buf []byte) error
	Close() error
}

// FileStore is a BlockDevice backed by a plain file, addressed with
// positioned pread/pwrite instead of seek-then-read/write. This removes
// the race biscuit/src/ufs/driver.go's ahci_disk_t guards with a mutex
// around Seek by construction: there is no shared file cursor to race
// on.
type FileStore struct {
	f       *os.File
	watcher *fsnotify.Watcher
}

// OpenFileStore opens (creating if necessary) a swap backing file sized
// for PageNBlocks slots plus a one-page header, and starts watching the
// path for an out-of-band truncation.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "swapsrv: open backing file")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "swapsrv: stat backing file")
	}
	wantSize := int64(headerSize + PageNBlocks*mem.PGSIZE)
	if fi.Size() == 0 {
		if err := f.Truncate(wantSize); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "swapsrv: size backing file")
		}
		if err := writeHeader(f); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := checkHeader(f); err != nil {
		f.Close()
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "swapsrv: create fsnotify watcher")
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "swapsrv: watch backing file")
	}
	fs := &FileStore{f: f, watcher: w}
	go fs.watch()
	return fs, nil
}

func (fs *FileStore) watch() {
	wantSize := int64(headerSize + PageNBlocks*mem.PGSIZE)
	for ev := range fs.watcher.Events {
		if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			log.Warnf("swapsrv: backing file %s changed out of band (%s)", ev.Name, ev.Op)
		} else if ev.Op&fsnotify.Write != 0 {
			if fi, err := fs.f.Stat(); err == nil && fi.Size() < wantSize {
				log.Warnf("swapsrv: backing file %s truncated out of band to %d bytes", ev.Name, fi.Size())
			}
		}
	}
}

func writeHeader(f *os.File) error {
	var hdr [headerSize]byte
	v := []byte(FormatVersion.String())
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(v)))
	copy(hdr[4:], v)
	if _, err := unix.Pwrite(int(f.Fd()), hdr[:], 0); err != nil {
		return errors.Wrap(err, "swapsrv: write header")
	}
	return nil
}

func checkHeader(f *os.File) error {
	var hdr [headerSize]byte
	if _, err := unix.Pread(int(f.Fd()), hdr[:], 0); err != nil {
		return errors.Wrap(err, "swapsrv: read header")
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	if int(n) == 0 || int(n) > headerSize-4 {
		return errors.New("swapsrv: corrupt backing file header")
	}
	v, err := semver.NewVersion(string(hdr[4 : 4+n]))
	if err != nil {
		return errors.Wrap(err, "swapsrv: unparsable backing file version")
	}
	if v.Major() != FormatVersion.Major() {
		return errors.Errorf("swapsrv: backing file version %s incompatible with %s", v, FormatVersion)
	}
	return nil
}

func (fs *FileStore) offset(slot uint32) int64 {
	return int64(headerSize) + int64(slot)*mem.PGSIZE
}

// ReadAt reads exactly one page-sized slot into buf.
func (fs *FileStore) ReadAt(slot uint32, buf []byte) error {
	if len(buf) != mem.PGSIZE {
		return errors.New("swapsrv: buffer is not one page")
	}
	n, err := unix.Pread(int(fs.f.Fd()), buf, fs.offset(slot))
	if err != nil {
		return errors.Wrap(err, "swapsrv: pread")
	}
	if n != mem.PGSIZE {
		return errors.New("swapsrv: short read from backing file")
	}
	return nil
}

// WriteAt writes exactly one page-sized slot from buf.
func (fs *FileStore) WriteAt(slot uint32, buf []byte) error {
	if len(buf) != mem.PGSIZE {
		return errors.New("swapsrv: buffer is not one page")
	}
	n, err := unix.Pwrite(int(fs.f.Fd()), buf, fs.offset(slot))
	if err != nil {
		return errors.Wrap(err, "swapsrv: pwrite")
	}
	if n != mem.PGSIZE {
		return errors.New("swapsrv: short write to backing file")
	}
	return nil
}

// Close stops the watcher and closes the backing file.
func (fs *FileStore) Close() error {
	fs.watcher.Close()
	return fs.f.Close()
}

// MemStore is an in-memory BlockDevice used by tests that want a real
// implementation of the interface without touching the filesystem.
type MemStore struct {
	slots map[uint32][]byte
}

// NewMemStore returns an empty in-memory backing store.
func NewMemStore() *MemStore { return &MemStore{slots: make(map[uint32][]byte)} }

func (m *MemStore) ReadAt(slot uint32, buf []byte) error {
	s, ok := m.slots[slot]
	if !ok {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, s)
	return nil
}

func (m *MemStore) WriteAt(slot uint32, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	m.slots[slot] = cp
	return nil
}

func (m *MemStore) Close() error { return nil }
