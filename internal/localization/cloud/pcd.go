package cloud

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// PCDType is the DATA encoding of a PCD file.
type PCDType int

const (
	// PCDAscii writes one point per line.
	PCDAscii PCDType = iota
	// PCDBinary writes packed little-endian records.
	PCDBinary
)

// ErrUnsupportedPCD is returned for PCD features this reader does not handle.
var ErrUnsupportedPCD = errors.New("unsupported pcd")

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

type pcdHeader struct {
	fields []string
	size   []int
	typ    []string
	count  []int
	width  int
	height int
	points int
	data   PCDType
}

// fieldIndex returns the position of name in the record, or -1.
func (h *pcdHeader) fieldIndex(name string) int {
	for i, f := range h.fields {
		if f == name {
			return i
		}
	}
	return -1
}

func parseInts(tokens []string, what string) ([]int, error) {
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field %q: %w", what, tok, err)
		}
		out[i] = v
	}
	return out, nil
}

func parsePCDHeaderLine(line string, index int, h *pcdHeader) error {
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	value = strings.TrimSpace(value)
	tokens := strings.Fields(value)
	if field != name {
		return fmt.Errorf("line is supposed to start with %s but is %q", name, line)
	}

	var err error
	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return fmt.Errorf("%w: version %s", ErrUnsupportedPCD, value)
		}
	case "FIELDS":
		h.fields = tokens
		if h.fieldIndex("x") < 0 || h.fieldIndex("y") < 0 || h.fieldIndex("z") < 0 {
			return fmt.Errorf("%w: fields %q lack x y z", ErrUnsupportedPCD, value)
		}
	case "SIZE":
		if h.size, err = parseInts(tokens, "SIZE"); err != nil {
			return err
		}
	case "TYPE":
		h.typ = tokens
	case "COUNT":
		if h.count, err = parseInts(tokens, "COUNT"); err != nil {
			return err
		}
	case "WIDTH":
		if h.width, err = strconv.Atoi(value); err != nil {
			return fmt.Errorf("invalid WIDTH %q: %w", value, err)
		}
	case "HEIGHT":
		if h.height, err = strconv.Atoi(value); err != nil {
			return fmt.Errorf("invalid HEIGHT %q: %w", value, err)
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return fmt.Errorf("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
	case "POINTS":
		if h.points, err = strconv.Atoi(value); err != nil {
			return fmt.Errorf("invalid POINTS %q: %w", value, err)
		}
		if h.points != h.width*h.height {
			return fmt.Errorf("POINTS %d does not match WIDTH*HEIGHT %d", h.points, h.width*h.height)
		}
	case "DATA":
		switch value {
		case "ascii":
			h.data = PCDAscii
		case "binary":
			h.data = PCDBinary
		default:
			return fmt.Errorf("%w: data %s", ErrUnsupportedPCD, value)
		}
	}
	return nil
}

func (h *pcdHeader) validate() error {
	n := len(h.fields)
	if len(h.size) != n || len(h.typ) != n {
		return fmt.Errorf("SIZE/TYPE do not match %d FIELDS", n)
	}
	if len(h.count) == 0 {
		h.count = make([]int, n)
		for i := range h.count {
			h.count[i] = 1
		}
	}
	if len(h.count) != n {
		return fmt.Errorf("COUNT does not match %d FIELDS", n)
	}
	for i := range h.fields {
		if h.count[i] != 1 {
			return fmt.Errorf("%w: field %s has COUNT %d", ErrUnsupportedPCD, h.fields[i], h.count[i])
		}
	}
	return nil
}

// ReadPCD decodes an ascii or binary PCD stream. Fields other than x, y, z,
// normal_x, normal_y, normal_z and curvature are skipped.
func ReadPCD(r io.Reader) (*PointCloud, error) {
	var h pcdHeader
	in := bufio.NewReader(r)
	lineCount := 0
	for lineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("error reading header line %d: %w", lineCount, err)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, lineCount, &h); err != nil {
			return nil, err
		}
		lineCount++
	}
	if err := h.validate(); err != nil {
		return nil, err
	}

	var (
		values [][]float64
		err    error
	)
	switch h.data {
	case PCDAscii:
		values, err = readPCDAscii(in, &h)
	case PCDBinary:
		values, err = readPCDBinary(in, &h)
	}
	if err != nil {
		return nil, err
	}
	return h.toCloud(values), nil
}

func readPCDAscii(in *bufio.Reader, h *pcdHeader) ([][]float64, error) {
	out := make([][]float64, 0, h.points)
	for i := 0; i < h.points; i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		tokens := strings.Fields(line)
		if len(tokens) != len(h.fields) {
			return nil, fmt.Errorf("unexpected number of fields in point %d", i)
		}
		row := make([]float64, len(tokens))
		for j, tok := range tokens {
			row[j], err = strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid point %d field %s: %w", i, tok, err)
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func readPCDBinary(in *bufio.Reader, h *pcdHeader) ([][]float64, error) {
	recordSize := 0
	for _, s := range h.size {
		recordSize += s
	}
	buf := make([]byte, recordSize)
	out := make([][]float64, 0, h.points)
	for i := 0; i < h.points; i++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		row := make([]float64, len(h.fields))
		off := 0
		for j := range h.fields {
			v, err := decodeBinaryField(buf[off:off+h.size[j]], h.typ[j])
			if err != nil {
				return nil, fmt.Errorf("point %d field %s: %w", i, h.fields[j], err)
			}
			row[j] = v
			off += h.size[j]
		}
		out = append(out, row)
	}
	return out, nil
}

func decodeBinaryField(b []byte, typ string) (float64, error) {
	switch {
	case typ == "F" && len(b) == 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case typ == "F" && len(b) == 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case typ == "U" && len(b) == 1:
		return float64(b[0]), nil
	case typ == "U" && len(b) == 2:
		return float64(binary.LittleEndian.Uint16(b)), nil
	case typ == "U" && len(b) == 4:
		return float64(binary.LittleEndian.Uint32(b)), nil
	case typ == "I" && len(b) == 1:
		return float64(int8(b[0])), nil
	case typ == "I" && len(b) == 2:
		return float64(int16(binary.LittleEndian.Uint16(b))), nil
	case typ == "I" && len(b) == 4:
		return float64(int32(binary.LittleEndian.Uint32(b))), nil
	}
	return 0, fmt.Errorf("%w: type %s size %d", ErrUnsupportedPCD, typ, len(b))
}

func (h *pcdHeader) toCloud(values [][]float64) *PointCloud {
	ix, iy, iz := h.fieldIndex("x"), h.fieldIndex("y"), h.fieldIndex("z")
	nx, ny, nz := h.fieldIndex("normal_x"), h.fieldIndex("normal_y"), h.fieldIndex("normal_z")
	ic := h.fieldIndex("curvature")
	hasNormals := nx >= 0 && ny >= 0 && nz >= 0

	c := &PointCloud{Points: make([]Point, 0, len(values))}
	for _, row := range values {
		p := Point{Position: r3.Vector{X: row[ix], Y: row[iy], Z: row[iz]}}
		if math.IsNaN(p.Position.X) || math.IsNaN(p.Position.Y) || math.IsNaN(p.Position.Z) {
			continue
		}
		if hasNormals {
			p.Normal = r3.Vector{X: row[nx], Y: row[ny], Z: row[nz]}
			p.HasNormal = !math.IsNaN(p.Normal.X)
		}
		if ic >= 0 {
			p.Curvature = row[ic]
		}
		c.Points = append(c.Points, p)
	}
	return c
}

// WritePCD encodes c. Normals and curvature are written when every point
// has a normal.
func WritePCD(c *PointCloud, out io.Writer, typ PCDType) error {
	w := bufio.NewWriter(out)
	withNormals := c.HasNormals()

	fields := "x y z"
	size, types, count := "4 4 4", "F F F", "1 1 1"
	if withNormals {
		fields += " normal_x normal_y normal_z curvature"
		size += " 4 4 4 4"
		types += " F F F F"
		count += " 1 1 1 1"
	}
	data := "ascii"
	if typ == PCDBinary {
		data = "binary"
	}
	if _, err := fmt.Fprintf(w, "VERSION .7\nFIELDS %s\nSIZE %s\nTYPE %s\nCOUNT %s\nWIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA %s\n",
		fields, size, types, count, c.Len(), c.Len(), data); err != nil {
		return err
	}

	rec := make([]byte, 0, 28)
	for _, p := range c.Points {
		vals := []float64{p.Position.X, p.Position.Y, p.Position.Z}
		if withNormals {
			vals = append(vals, p.Normal.X, p.Normal.Y, p.Normal.Z, p.Curvature)
		}
		switch typ {
		case PCDBinary:
			rec = rec[:0]
			for _, v := range vals {
				rec = binary.LittleEndian.AppendUint32(rec, math.Float32bits(float32(v)))
			}
			if _, err := w.Write(rec); err != nil {
				return err
			}
		default:
			strs := make([]string, len(vals))
			for i, v := range vals {
				strs[i] = strconv.FormatFloat(v, 'f', -1, 32)
			}
			if _, err := fmt.Fprintln(w, strings.Join(strs, " ")); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// maxPCDFileSize bounds files read from disk.
const maxPCDFileSize = 2 << 30

// ReadPCDFile loads a PCD file.
func ReadPCDFile(path string) (*PointCloud, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".pcd" {
		return nil, fmt.Errorf("point cloud file must have .pcd extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat point cloud file: %w", err)
	}
	if info.Size() > maxPCDFileSize {
		return nil, fmt.Errorf("point cloud file too large: %d bytes", info.Size())
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := ReadPCD(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", cleanPath, err)
	}
	return c, nil
}

// WritePCDFile writes c to path, creating parent directories.
func WritePCDFile(c *PointCloud, path string, typ PCDType) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WritePCD(c, f, typ)
}
