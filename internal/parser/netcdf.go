/*
netCDF classic reader.

ANDI/AIA chromatography exports (ASTM E1947) are netCDF classic files. The
layout, all big-endian:

	magic    'C' 'D' 'F' version      version 1 (32-bit offsets) or 2 (64-bit)
	numrecs  int32                    records in the unlimited dimension
	dims     ABSENT | 0x0A n [name len]...
	gatts    ABSENT | 0x0C n [name type n values]...
	vars     ABSENT | 0x0B n [name ndims dimids... atts type vsize begin]...
	data     fixed variables, then interleaved records

Names and attribute values are padded to 4 bytes. Only reading is
supported, and every count read from the header is checked against the
bytes actually present before anything is allocated.
*/

package parser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	cdfTagDimension = 0x0A
	cdfTagVariable  = 0x0B
	cdfTagAttribute = 0x0C
)

// cdfType is a netCDF external data type.
type cdfType uint32

const (
	cdfByte   cdfType = 1
	cdfChar   cdfType = 2
	cdfShort  cdfType = 3
	cdfInt    cdfType = 4
	cdfFloat  cdfType = 5
	cdfDouble cdfType = 6
)

func (t cdfType) size() int {
	switch t {
	case cdfByte, cdfChar:
		return 1
	case cdfShort:
		return 2
	case cdfInt, cdfFloat:
		return 4
	case cdfDouble:
		return 8
	}
	return 0
}

var errCDFTruncated = errors.New("truncated header")

type cdfDim struct {
	name   string
	length int // 0 for the record dimension
}

type cdfAttr struct {
	name  string
	typ   cdfType
	text  string    // cdfChar
	value []float64 // numeric types
}

// String renders the attribute for instrument metadata.
func (a cdfAttr) String() string {
	if a.typ == cdfChar {
		return a.text
	}
	parts := make([]string, len(a.value))
	for i, v := range a.value {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

type cdfVar struct {
	name   string
	dimIDs []int
	attrs  []cdfAttr
	typ    cdfType
	vsize  int64
	begin  int64
	record bool
}

func (v *cdfVar) attr(name string) (cdfAttr, bool) {
	for _, a := range v.attrs {
		if a.name == name {
			return a, true
		}
	}
	return cdfAttr{}, false
}

// cdfFile is a decoded netCDF header over the raw file bytes.
type cdfFile struct {
	data       []byte
	version    byte
	numRecs    int
	dims       []cdfDim
	attrs      []cdfAttr
	vars       []*cdfVar
	recordSize int64
}

// cdfDecoder walks the header with bounds checking.
type cdfDecoder struct {
	buf []byte
	off int
}

func (d *cdfDecoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *cdfDecoder) u32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, errCDFTruncated
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *cdfDecoder) u64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, errCDFTruncated
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

// count reads a non-negative element count and checks that at least
// count*minBytes bytes remain.
func (d *cdfDecoder) count(minBytes int) (int, error) {
	v, err := d.u32()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt32 {
		return 0, fmt.Errorf("negative count")
	}
	n := int(v)
	if minBytes > 0 && n > d.remaining()/minBytes {
		return 0, fmt.Errorf("count %d exceeds file size", n)
	}
	return n, nil
}

func (d *cdfDecoder) bytes(n int) ([]byte, error) {
	padded := pad4(n)
	if n < 0 || d.remaining() < padded {
		return nil, errCDFTruncated
	}
	b := d.buf[d.off : d.off+n]
	d.off += padded
	return b, nil
}

func (d *cdfDecoder) name() (string, error) {
	n, err := d.count(1)
	if err != nil {
		return "", err
	}
	b, err := d.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// listHeader reads a list tag and its element count. ABSENT is two zero words.
func (d *cdfDecoder) listHeader(tag uint32, minElem int) (int, error) {
	t, err := d.u32()
	if err != nil {
		return 0, err
	}
	n, err := d.count(minElem)
	if err != nil {
		return 0, err
	}
	if t == 0 && n == 0 {
		return 0, nil
	}
	if t != tag {
		return 0, fmt.Errorf("expected list tag 0x%02X, got 0x%02X", tag, t)
	}
	return n, nil
}

func (d *cdfDecoder) attrs() ([]cdfAttr, error) {
	n, err := d.listHeader(cdfTagAttribute, 12)
	if err != nil {
		return nil, err
	}
	out := make([]cdfAttr, 0, n)
	for i := 0; i < n; i++ {
		name, err := d.name()
		if err != nil {
			return nil, err
		}
		t, err := d.u32()
		if err != nil {
			return nil, err
		}
		typ := cdfType(t)
		if typ.size() == 0 {
			return nil, fmt.Errorf("attribute %q has unknown type %d", name, t)
		}
		cnt, err := d.count(typ.size())
		if err != nil {
			return nil, err
		}
		raw, err := d.bytes(cnt * typ.size())
		if err != nil {
			return nil, err
		}
		a := cdfAttr{name: name, typ: typ}
		if typ == cdfChar {
			a.text = strings.TrimRight(string(raw), "\x00")
		} else {
			a.value = decodeValues(raw, typ, cnt)
		}
		out = append(out, a)
	}
	return out, nil
}

// decodeCDF parses the header of a netCDF classic file.
func decodeCDF(data []byte) (*cdfFile, error) {
	if len(data) < 4 || string(data[:3]) != "CDF" {
		return nil, fmt.Errorf("not a netCDF classic file")
	}
	f := &cdfFile{data: data, version: data[3]}
	if f.version != 1 && f.version != 2 {
		return nil, fmt.Errorf("unsupported netCDF version %d", f.version)
	}
	d := &cdfDecoder{buf: data, off: 4}

	numRecs, err := d.u32()
	if err != nil {
		return nil, err
	}
	if numRecs == math.MaxUint32 {
		return nil, fmt.Errorf("streaming record count is not supported")
	}
	if numRecs > math.MaxInt32 {
		return nil, fmt.Errorf("invalid record count")
	}
	f.numRecs = int(numRecs)

	nDims, err := d.listHeader(cdfTagDimension, 8)
	if err != nil {
		return nil, fmt.Errorf("dimensions: %w", err)
	}
	for i := 0; i < nDims; i++ {
		name, err := d.name()
		if err != nil {
			return nil, fmt.Errorf("dimensions: %w", err)
		}
		length, err := d.count(0)
		if err != nil {
			return nil, fmt.Errorf("dimension %q: %w", name, err)
		}
		f.dims = append(f.dims, cdfDim{name: name, length: length})
	}

	if f.attrs, err = d.attrs(); err != nil {
		return nil, fmt.Errorf("global attributes: %w", err)
	}

	offsetSize := 4
	if f.version == 2 {
		offsetSize = 8
	}
	nVars, err := d.listHeader(cdfTagVariable, 16+offsetSize)
	if err != nil {
		return nil, fmt.Errorf("variables: %w", err)
	}
	var recordVars []*cdfVar
	for i := 0; i < nVars; i++ {
		v, err := d.variable(f, offsetSize)
		if err != nil {
			return nil, fmt.Errorf("variables: %w", err)
		}
		f.vars = append(f.vars, v)
		if v.record {
			recordVars = append(recordVars, v)
			f.recordSize += v.vsize
		}
	}
	// a lone record variable is stored without per-record padding
	if len(recordVars) == 1 {
		f.recordSize = int64(f.elementsPerRecord(recordVars[0]) * recordVars[0].typ.size())
	}
	return f, nil
}

func (d *cdfDecoder) variable(f *cdfFile, offsetSize int) (*cdfVar, error) {
	name, err := d.name()
	if err != nil {
		return nil, err
	}
	nd, err := d.count(4)
	if err != nil {
		return nil, err
	}
	v := &cdfVar{name: name, dimIDs: make([]int, nd)}
	for j := 0; j < nd; j++ {
		id, err := d.count(0)
		if err != nil {
			return nil, err
		}
		if id >= len(f.dims) {
			return nil, fmt.Errorf("variable %q references unknown dimension %d", name, id)
		}
		if f.dims[id].length == 0 {
			if j != 0 {
				return nil, fmt.Errorf("variable %q: record dimension must come first", name)
			}
			v.record = true
		}
		v.dimIDs[j] = id
	}
	if v.attrs, err = d.attrs(); err != nil {
		return nil, fmt.Errorf("variable %q attributes: %w", name, err)
	}
	t, err := d.u32()
	if err != nil {
		return nil, err
	}
	v.typ = cdfType(t)
	if v.typ.size() == 0 {
		return nil, fmt.Errorf("variable %q has unknown type %d", name, t)
	}
	vsize, err := d.u32()
	if err != nil {
		return nil, err
	}
	v.vsize = int64(vsize)
	if offsetSize == 8 {
		b, err := d.u64()
		if err != nil {
			return nil, err
		}
		if b > math.MaxInt64 {
			return nil, fmt.Errorf("variable %q has invalid offset", name)
		}
		v.begin = int64(b)
	} else {
		b, err := d.u32()
		if err != nil {
			return nil, err
		}
		v.begin = int64(b)
	}
	return v, nil
}

// elementsPerRecord is the product of the non-record dimensions of v.
func (f *cdfFile) elementsPerRecord(v *cdfVar) int {
	n := 1
	for _, id := range v.dimIDs {
		if l := f.dims[id].length; l > 0 {
			n *= l
		}
		// anything larger than the file is rejected by the caller anyway
		if n > len(f.data) {
			return len(f.data) + 1
		}
	}
	return n
}

func (f *cdfFile) variable(name string) (*cdfVar, bool) {
	for _, v := range f.vars {
		if v.name == name {
			return v, true
		}
	}
	return nil, false
}

// readFloats returns the values of a numeric variable as float64.
func (f *cdfFile) readFloats(name string) ([]float64, error) {
	v, ok := f.variable(name)
	if !ok {
		return nil, fmt.Errorf("variable %q not found", name)
	}
	if v.typ == cdfChar {
		return nil, fmt.Errorf("variable %q is text, not numeric", name)
	}

	per := f.elementsPerRecord(v)
	size := v.typ.size()
	if !v.record {
		return f.slice(v, v.begin, per, size)
	}

	if f.numRecs > 0 && (f.recordSize <= 0 || int64(f.numRecs) > int64(len(f.data))/f.recordSize) {
		return nil, fmt.Errorf("record section of %q is larger than the file", name)
	}
	out := make([]float64, 0, min(per*f.numRecs, len(f.data)/size))
	for r := 0; r < f.numRecs; r++ {
		vals, err := f.slice(v, v.begin+int64(r)*f.recordSize, per, size)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return out, nil
}

func (f *cdfFile) slice(v *cdfVar, begin int64, n, size int) ([]float64, error) {
	if n < 0 || size <= 0 || n > len(f.data)/size {
		return nil, fmt.Errorf("variable %q is larger than the file", v.name)
	}
	end := begin + int64(n*size)
	if begin < 0 || end > int64(len(f.data)) {
		return nil, fmt.Errorf("variable %q points outside the file", v.name)
	}
	return decodeValues(f.data[begin:end], v.typ, n), nil
}

func decodeValues(raw []byte, typ cdfType, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		switch typ {
		case cdfByte:
			out[i] = float64(int8(raw[i]))
		case cdfChar:
			out[i] = float64(raw[i])
		case cdfShort:
			out[i] = float64(int16(binary.BigEndian.Uint16(raw[i*2:])))
		case cdfInt:
			out[i] = float64(int32(binary.BigEndian.Uint32(raw[i*4:])))
		case cdfFloat:
			out[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:])))
		case cdfDouble:
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))
		}
	}
	return out
}

func pad4(n int) int {
	return (n + 3) &^ 3
}
