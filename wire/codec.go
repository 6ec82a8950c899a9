package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/outofforest/photon"
	"github.com/outofforest/sequoia/types"
)

// ErrCorruptEntry is returned when a log entry fails structural or checksum
// validation. It indicates log corruption and is not retryable.
var ErrCorruptEntry = errors.New("corrupt log entry")

const entryMagic uint32 = 0x53514f41

// Entry type tags.
const (
	entryIntention uint8 = iota + 1
	entryAfterImage
)

type header struct {
	Magic  uint32
	Type   uint8
	_      [3]byte
	Length uint32
	Digest [32]byte
}

var headerSize = len(photon.NewFromValue(&header{}).B)

const (
	ptrFlagNil        = 1 << 0
	ptrFlagSelf       = 1 << 1
	ptrFlagAfterImage = 1 << 2
)

// EncodeIntention serializes an intention into a log entry blob.
func EncodeIntention(i *Intention) []byte {
	body := make([]byte, 0, 64)
	body = binary.LittleEndian.AppendUint64(body, uint64(i.Snapshot))
	body = binary.LittleEndian.AppendUint64(body, i.Token)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(i.Ops)))
	for idx := range i.Ops {
		op := &i.Ops[idx]
		body = append(body, byte(op.Kind))
		body = appendBytes(body, op.Key)
		body = appendBytes(body, op.Val)
	}
	return seal(entryIntention, body)
}

// EncodeAfterImage serializes an after-image into a log entry blob. Nodes
// must already be in post-order.
func EncodeAfterImage(ai *AfterImage) []byte {
	body := make([]byte, 0, 256)
	body = binary.LittleEndian.AppendUint64(body, uint64(ai.Intention))
	body = binary.LittleEndian.AppendUint32(body, uint32(len(ai.Nodes)))
	for idx := range ai.Nodes {
		n := &ai.Nodes[idx]
		var red byte
		if n.Red {
			red = 1
		}
		body = append(body, red)
		body = appendBytes(body, n.Key)
		body = appendBytes(body, n.Val)
		body = appendPtr(body, &n.Left)
		body = appendPtr(body, &n.Right)
	}
	return seal(entryAfterImage, body)
}

// Decode parses a log entry blob. Exactly one of the returned intention and
// after-image is non-nil on success.
func Decode(blob []byte) (*Intention, *AfterImage, error) {
	if len(blob) < headerSize {
		return nil, nil, errors.Wrap(ErrCorruptEntry, "short entry")
	}
	var h header
	copy(photon.NewFromValue(&h).B, blob[:headerSize])
	if h.Magic != entryMagic {
		return nil, nil, errors.Wrap(ErrCorruptEntry, "bad magic")
	}
	body := blob[headerSize:]
	if uint32(len(body)) != h.Length {
		return nil, nil, errors.Wrap(ErrCorruptEntry, "length mismatch")
	}
	if blake3.Sum256(body) != h.Digest {
		return nil, nil, errors.Wrap(ErrCorruptEntry, "digest mismatch")
	}

	d := decoder{buf: body}
	switch h.Type {
	case entryIntention:
		i, err := d.intention()
		return i, nil, err
	case entryAfterImage:
		ai, err := d.afterImage()
		return nil, ai, err
	default:
		return nil, nil, errors.Wrapf(ErrCorruptEntry, "unknown entry type %d", h.Type)
	}
}

func seal(entryType uint8, body []byte) []byte {
	h := header{
		Magic:  entryMagic,
		Type:   entryType,
		Length: uint32(len(body)),
		Digest: blake3.Sum256(body),
	}
	blob := make([]byte, 0, headerSize+len(body))
	blob = append(blob, photon.NewFromValue(&h).B...)
	return append(blob, body...)
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func appendPtr(dst []byte, p *PtrRecord) []byte {
	var flags byte
	if p.Nil {
		flags |= ptrFlagNil
	}
	if p.Self {
		flags |= ptrFlagSelf
	}
	if p.Kind == types.KindAfterImage {
		flags |= ptrFlagAfterImage
	}
	dst = append(dst, flags)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(p.Off))
	return binary.LittleEndian.AppendUint64(dst, uint64(p.Pos))
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) intention() (*Intention, error) {
	i := &Intention{
		Snapshot: int64(d.uint64()),
		Token:    d.uint64(),
	}
	count := d.uint32()
	if d.err != nil {
		return nil, d.err
	}
	i.Ops = make([]Op, 0, count)
	for range count {
		op := Op{Kind: types.OpKind(d.byte())}
		op.Key = d.bytes()
		op.Val = d.bytes()
		if d.err != nil {
			return nil, d.err
		}
		i.Ops = append(i.Ops, op)
	}
	if len(d.buf) != 0 {
		return nil, errors.Wrap(ErrCorruptEntry, "trailing bytes")
	}
	return i, nil
}

func (d *decoder) afterImage() (*AfterImage, error) {
	ai := &AfterImage{Intention: types.Position(d.uint64())}
	count := d.uint32()
	if d.err != nil {
		return nil, d.err
	}
	ai.Nodes = make([]NodeRecord, 0, count)
	for range count {
		n := NodeRecord{Red: d.byte() == 1}
		n.Key = d.bytes()
		n.Val = d.bytes()
		n.Left = d.ptr()
		n.Right = d.ptr()
		if d.err != nil {
			return nil, d.err
		}
		ai.Nodes = append(ai.Nodes, n)
	}
	if len(d.buf) != 0 {
		return nil, errors.Wrap(ErrCorruptEntry, "trailing bytes")
	}
	return ai, nil
}

func (d *decoder) take(n int) []byte {
	if d.err != nil || len(d.buf) < n {
		if d.err == nil {
			d.err = errors.Wrap(ErrCorruptEntry, "truncated body")
		}
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) byte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) bytes() []byte {
	n := d.uint32()
	if n == 0 {
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) ptr() PtrRecord {
	flags := d.byte()
	p := PtrRecord{
		Nil:  flags&ptrFlagNil != 0,
		Self: flags&ptrFlagSelf != 0,
		Kind: types.KindIntention,
		Off:  types.Offset(d.uint16()),
		Pos:  types.Position(d.uint64()),
	}
	if flags&ptrFlagAfterImage != 0 {
		p.Kind = types.KindAfterImage
	}
	return p
}
