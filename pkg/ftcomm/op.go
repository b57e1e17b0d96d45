package ftcomm

import (
    "encoding/binary"
    "math"
)

// Op is an associative, commutative combine operator over fixed-size
// values. Combine must not modify its arguments.
type Op interface {
    Name() string
    Identity(size int) []byte
    Combine(a, b []byte) []byte
}

type bitOp struct {
    name string
    id   byte
    fn   func(x, y byte) byte
}

func (o bitOp) Name() string { return o.name }

func (o bitOp) Identity(size int) []byte {
    out := make([]byte, size)
    for i := range out { out[i] = o.id }
    return out
}

func (o bitOp) Combine(a, b []byte) []byte {
    n := len(a)
    if len(b) > n { n = len(b) }
    out := o.Identity(n)
    for i := range out {
        x, y := o.id, o.id
        if i < len(a) { x = a[i] }
        if i < len(b) { y = b[i] }
        out[i] = o.fn(x, y)
    }
    return out
}

// int64Op works element-wise on little-endian int64 vectors.
type int64Op struct {
    name string
    id   int64
    fn   func(x, y int64) int64
}

func (o int64Op) Name() string { return o.name }

func (o int64Op) Identity(size int) []byte {
    out := make([]byte, size-size%8)
    for i := 0; i+8 <= len(out); i += 8 {
        binary.LittleEndian.PutUint64(out[i:], uint64(o.id))
    }
    return out
}

func (o int64Op) Combine(a, b []byte) []byte {
    n := len(a)
    if len(b) > n { n = len(b) }
    out := o.Identity(n)
    for i := 0; i+8 <= len(out); i += 8 {
        x, y := o.id, o.id
        if i+8 <= len(a) { x = int64(binary.LittleEndian.Uint64(a[i:])) }
        if i+8 <= len(b) { y = int64(binary.LittleEndian.Uint64(b[i:])) }
        binary.LittleEndian.PutUint64(out[i:], uint64(o.fn(x, y)))
    }
    return out
}

var (
    // OpBAnd is bitwise AND; the classic agreement operator.
    OpBAnd Op = bitOp{name: "band", id: 0xff, fn: func(x, y byte) byte { return x & y }}
    // OpBOr is bitwise OR.
    OpBOr Op = bitOp{name: "bor", id: 0, fn: func(x, y byte) byte { return x | y }}
    // OpUnion merges rank bitmaps (see Bitmap).
    OpUnion Op = bitOp{name: "union", id: 0, fn: func(x, y byte) byte { return x | y }}

    OpMin Op = int64Op{name: "min", id: math.MaxInt64, fn: func(x, y int64) int64 {
        if x < y { return x }
        return y
    }}
    OpMax Op = int64Op{name: "max", id: math.MinInt64, fn: func(x, y int64) int64 {
        if x > y { return x }
        return y
    }}
    OpSum Op = int64Op{name: "sum", id: 0, fn: func(x, y int64) int64 { return x + y }}
)

// fold combines vals in order starting from op's identity.
func fold(op Op, size int, vals [][]byte) []byte {
    acc := op.Identity(size)
    for _, v := range vals { acc = op.Combine(acc, v) }
    return acc
}

// EncodeInt64s packs values for the int64 operators.
func EncodeInt64s(v ...int64) []byte {
    out := make([]byte, 8*len(v))
    for i, x := range v { binary.LittleEndian.PutUint64(out[8*i:], uint64(x)) }
    return out
}

// DecodeInt64s is the inverse of EncodeInt64s.
func DecodeInt64s(b []byte) []int64 {
    out := make([]int64, len(b)/8)
    for i := range out { out[i] = int64(binary.LittleEndian.Uint64(b[8*i:])) }
    return out
}

func encodeUint32(v uint32) []byte {
    b := make([]byte, 4)
    binary.LittleEndian.PutUint32(b, v)
    return b
}

func decodeUint32(b []byte) uint32 {
    if len(b) < 4 { return 0 }
    return binary.LittleEndian.Uint32(b)
}

// Bitmap is a set of ranks packed into bytes, the shrink agreement input.
type Bitmap []byte

func NewBitmap(size int) Bitmap { return make(Bitmap, (size+7)/8) }

func (b Bitmap) Set(i int) {
    if i >= 0 && i/8 < len(b) { b[i/8] |= 1 << uint(i%8) }
}

func (b Bitmap) Has(i int) bool { return i >= 0 && i/8 < len(b) && b[i/8]&(1<<uint(i%8)) != 0 }

// Members lists set ranks in increasing order.
func (b Bitmap) Members() []int {
    var out []int
    for i := 0; i < len(b)*8; i++ {
        if b.Has(i) { out = append(out, i) }
    }
    return out
}
