package seqlog

import (
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/photon"
	"github.com/outofforest/sequoia/types"
)

const (
	fileMagic uint32 = 0x53514c47

	superblockSize = 4096
)

type superblock struct {
	Magic   uint32
	_       [4]byte
	Entries uint64
	DataEnd uint64
}

type frame struct {
	Off   uint64
	Len   uint32
	State uint32
}

var frameSize = uint64(unsafe.Sizeof(frame{}))

// FileConfig configures a file-backed log.
type FileConfig struct {
	Path string

	// MaxEntries bounds the number of log positions.
	MaxEntries uint64

	// DataCapacity bounds the total payload bytes.
	DataCapacity uint64
}

// NewFile opens or creates a file-backed log. The file is sized up front and
// mapped into memory; appends copy the blob into the mapping and sync it.
func NewFile(config FileConfig) (*File, func(), error) {
	if config.MaxEntries == 0 || config.DataCapacity == 0 {
		return nil, nil, errors.New("file log requires non-zero capacity")
	}

	size := superblockSize + config.MaxEntries*frameSize + config.DataCapacity

	f, err := os.OpenFile(config.Path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.WithStack(err)
	}
	fresh := info.Size() == 0
	if fresh {
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, nil, errors.WithStack(err)
		}
	} else if uint64(info.Size()) != size {
		_ = f.Close()
		return nil, nil, errors.Errorf("file log %s has size %d, config requires %d",
			config.Path, info.Size(), size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "mapping log file failed")
	}

	l := &File{
		config: config,
		file:   f,
		data:   data,
		sb:     photon.FromBytes[superblock](data[:unsafe.Sizeof(superblock{})]),
	}
	l.frames = photon.SliceFromPointer[frame](
		unsafe.Add(unsafe.Pointer(&data[0]), superblockSize), int(config.MaxEntries))

	if fresh {
		l.sb.Magic = fileMagic
		if err := l.sync(); err != nil {
			_ = unix.Munmap(data)
			_ = f.Close()
			return nil, nil, err
		}
	} else if l.sb.Magic != fileMagic {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, nil, errors.Errorf("file %s is not a log", config.Path)
	}

	return l, func() {
		_ = unix.Munmap(data)
		_ = f.Close()
	}, nil
}

// File is a single-file log. A superblock records the tail, per-position
// frames index the data region.
type File struct {
	config FileConfig
	file   *os.File
	data   []byte
	sb     *superblock
	frames []frame

	mu sync.Mutex
}

// Append appends a blob and returns its position.
func (l *File) Append(data []byte) (types.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sb.Entries >= l.config.MaxEntries ||
		l.sb.DataEnd+uint64(len(data)) > l.config.DataCapacity {
		return 0, ErrLogFull
	}

	pos := l.sb.Entries
	copy(l.data[l.dataOffset(l.sb.DataEnd):], data)
	l.frames[pos] = frame{
		Off:   l.sb.DataEnd,
		Len:   uint32(len(data)),
		State: uint32(slotWritten),
	}
	l.sb.DataEnd += uint64(len(data))
	l.sb.Entries = pos + 1

	if err := l.sync(); err != nil {
		return 0, err
	}
	return types.Position(pos), nil
}

// Read returns the blob stored at the position.
func (l *File) Read(pos types.Position) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if uint64(pos) >= l.sb.Entries {
		return nil, ErrNotWritten
	}
	fr := l.frames[pos]
	if slotState(fr.State) == slotFilled {
		return nil, ErrFilled
	}
	d := make([]byte, fr.Len)
	copy(d, l.data[l.dataOffset(fr.Off):])
	return d, nil
}

// CheckTail returns the next unwritten position.
func (l *File) CheckTail() (types.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return types.Position(l.sb.Entries), nil
}

// Fill junks unwritten positions up to and including pos. The single-writer
// file never produces interior holes, so filling past the tail appends junk
// frames.
func (l *File) Fill(pos types.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if uint64(pos) < l.sb.Entries {
		return nil
	}
	if uint64(pos) >= l.config.MaxEntries {
		return ErrLogFull
	}
	for p := l.sb.Entries; p <= uint64(pos); p++ {
		l.frames[p] = frame{State: uint32(slotFilled)}
	}
	l.sb.Entries = uint64(pos) + 1
	return l.sync()
}

func (l *File) dataOffset(off uint64) uint64 {
	return superblockSize + l.config.MaxEntries*frameSize + off
}

func (l *File) sync() error {
	if err := unix.Msync(l.data, unix.MS_SYNC); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
