// Package meshio loads mesh sources from Gmsh 2.2 ASCII files. Nodes and
// triangle/quad elements come from $Nodes and $Elements; field items come
// from $ElementData blocks, one block per (item, timestep).
package meshio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/signalsfoundry/dfsu-stream/model"
)

var (
	// ErrFormat is returned for syntactically invalid mesh files.
	ErrFormat = errors.New("invalid mesh file")
	// ErrUnsupported is returned for valid files this reader cannot handle
	// (binary encoding, volume elements, vector data).
	ErrUnsupported = errors.New("unsupported mesh content")
)

// Gmsh element type codes.
const (
	gmshLine     = 1
	gmshTriangle = 2
	gmshQuad     = 3
	gmshPoint    = 15
)

// Options supplies what the file format itself does not carry.
type Options struct {
	// CRS of the node coordinates. When empty, Load looks for a .prj file
	// next to the mesh.
	CRS string
	// DeleteValue is written for elements missing from an $ElementData
	// block. Zero selects model.DefaultDeleteValue.
	DeleteValue float32
}

// Load opens, parses and closes the mesh file at path.
func Load(path string, opts Options) (*model.MeshSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mesh %q: %w", path, err)
	}
	defer f.Close()

	if opts.CRS == "" {
		prj := strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
		if data, err := os.ReadFile(prj); err == nil {
			opts.CRS = strings.TrimSpace(string(data))
		}
	}

	src, err := Read(f, opts)
	if err != nil {
		return nil, fmt.Errorf("read mesh %q: %w", path, err)
	}
	src.Path = path
	return src, nil
}

// Read parses a Gmsh 2.2 ASCII stream.
func Read(r io.Reader, opts Options) (*model.MeshSource, error) {
	if opts.DeleteValue == 0 {
		opts.DeleteValue = model.DefaultDeleteValue
	}
	p := &parser{
		lines:   newLineReader(r),
		src:     &model.MeshSource{CRS: opts.CRS, DeleteValue: opts.DeleteValue},
		elemIdx: make(map[int]int),
		skipped: make(map[int]bool),
		items:   make(map[string]*itemBuilder),
	}
	if err := p.parse(); err != nil {
		return nil, err
	}
	return p.src, nil
}

type itemBuilder struct {
	name  string
	steps map[int]*stepData
}

type stepData struct {
	time   float64
	values []float32
}

type parser struct {
	lines *lineReader
	src   *model.MeshSource

	elemIdx map[int]int  // gmsh element id -> index in src.Elements
	skipped map[int]bool // lower-dimensional elements that are ignored

	itemOrder []string
	items     map[string]*itemBuilder
	sawFormat bool
}

func (p *parser) parse() error {
	for {
		line, ok := p.lines.next()
		if !ok {
			break
		}
		if !strings.HasPrefix(line, "$") {
			return p.lines.errorf("expected section header, got %q", line)
		}
		section := strings.TrimPrefix(line, "$")

		var err error
		switch section {
		case "MeshFormat":
			err = p.readFormat()
		case "Nodes":
			err = p.readNodes()
		case "Elements":
			err = p.readElements()
		case "ElementData":
			err = p.readElementData()
		default:
			err = p.skip(section)
		}
		if err != nil {
			return err
		}
	}
	if err := p.lines.err(); err != nil {
		return err
	}
	if !p.sawFormat {
		return fmt.Errorf("%w: missing $MeshFormat", ErrFormat)
	}
	return p.finishItems()
}

func (p *parser) readFormat() error {
	fields, err := p.lines.fields()
	if err != nil {
		return err
	}
	if len(fields) < 3 {
		return p.lines.errorf("format line needs version, file type and data size")
	}
	if !strings.HasPrefix(fields[0], "2.") {
		return fmt.Errorf("%w: gmsh format version %s", ErrUnsupported, fields[0])
	}
	if fields[1] != "0" {
		return fmt.Errorf("%w: binary gmsh files", ErrUnsupported)
	}
	p.sawFormat = true
	return p.expectEnd("MeshFormat")
}

func (p *parser) readNodes() error {
	n, err := p.readCount()
	if err != nil {
		return err
	}
	src := p.src
	src.NodeIDs = make([]int, 0, n)
	src.X = make([]float64, 0, n)
	src.Y = make([]float64, 0, n)
	src.Z = make([]float64, 0, n)
	seen := make(map[int]bool, n)

	for i := 0; i < n; i++ {
		fields, err := p.lines.fields()
		if err != nil {
			return err
		}
		if len(fields) != 4 {
			return p.lines.errorf("node line needs 4 fields, got %d", len(fields))
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return p.lines.errorf("node id: %v", err)
		}
		if seen[id] {
			return p.lines.errorf("duplicate node id %d", id)
		}
		seen[id] = true

		var xyz [3]float64
		for k := range xyz {
			if xyz[k], err = strconv.ParseFloat(fields[k+1], 64); err != nil {
				return p.lines.errorf("node %d coordinate: %v", id, err)
			}
		}
		src.NodeIDs = append(src.NodeIDs, id)
		src.X = append(src.X, xyz[0])
		src.Y = append(src.Y, xyz[1])
		src.Z = append(src.Z, xyz[2])
	}
	return p.expectEnd("Nodes")
}

func (p *parser) readElements() error {
	n, err := p.readCount()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		fields, err := p.lines.ints()
		if err != nil {
			return err
		}
		if len(fields) < 3 {
			return p.lines.errorf("element line needs id, type and tag count")
		}
		id, typ, ntags := fields[0], fields[1], fields[2]
		nodes := fields[min(3+ntags, len(fields)):]

		var want int
		switch typ {
		case gmshTriangle:
			want = 3
		case gmshQuad:
			want = 4
		case gmshLine, gmshPoint:
			p.skipped[id] = true
			continue
		default:
			return fmt.Errorf("%w: element %d has gmsh type %d", ErrUnsupported, id, typ)
		}
		if len(nodes) != want {
			return p.lines.errorf("element %d: want %d nodes, got %d", id, want, len(nodes))
		}
		if _, dup := p.elemIdx[id]; dup {
			return p.lines.errorf("duplicate element id %d", id)
		}
		p.elemIdx[id] = len(p.src.Elements)
		p.src.Elements = append(p.src.Elements, model.Element(append([]int(nil), nodes...)))
	}
	return p.expectEnd("Elements")
}

func (p *parser) readElementData() error {
	strTags, err := p.readTags()
	if err != nil {
		return err
	}
	realTags, err := p.readTags()
	if err != nil {
		return err
	}
	intTags, err := p.readTags()
	if err != nil {
		return err
	}

	name := "item"
	if len(strTags) > 0 {
		name = strings.Trim(strTags[0], `"`)
	}
	var t float64
	if len(realTags) > 0 {
		if t, err = strconv.ParseFloat(realTags[0], 64); err != nil {
			return p.lines.errorf("time tag: %v", err)
		}
	}
	if len(intTags) < 3 {
		return p.lines.errorf("element data needs timestep, component and entry count tags")
	}
	var ints [3]int
	for k := range ints {
		if ints[k], err = strconv.Atoi(intTags[k]); err != nil {
			return p.lines.errorf("integer tag %d: %v", k, err)
		}
	}
	step, components, entries := ints[0], ints[1], ints[2]
	if components != 1 {
		return fmt.Errorf("%w: item %q has %d components", ErrUnsupported, name, components)
	}

	item, ok := p.items[name]
	if !ok {
		item = &itemBuilder{name: name, steps: make(map[int]*stepData)}
		p.items[name] = item
		p.itemOrder = append(p.itemOrder, name)
	}
	if _, dup := item.steps[step]; dup {
		return p.lines.errorf("item %q timestep %d defined twice", name, step)
	}

	values := make([]float32, len(p.src.Elements))
	for i := range values {
		values[i] = p.src.DeleteValue
	}
	for i := 0; i < entries; i++ {
		fields, err := p.lines.fields()
		if err != nil {
			return err
		}
		if len(fields) != 2 {
			return p.lines.errorf("element data line needs id and value")
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return p.lines.errorf("element id: %v", err)
		}
		v, err := strconv.ParseFloat(fields[1], 32)
		if err != nil {
			return p.lines.errorf("element %d value: %v", id, err)
		}
		idx, ok := p.elemIdx[id]
		if !ok {
			if p.skipped[id] {
				continue
			}
			return p.lines.errorf("element data references unknown element %d", id)
		}
		values[idx] = float32(v)
	}
	item.steps[step] = &stepData{time: t, values: values}
	return p.expectEnd("ElementData")
}

// finishItems orders each item's timesteps by index and requires them to
// be contiguous from zero.
func (p *parser) finishItems() error {
	for _, name := range p.itemOrder {
		b := p.items[name]
		idx := make([]int, 0, len(b.steps))
		for k := range b.steps {
			idx = append(idx, k)
		}
		sort.Ints(idx)

		item := model.FieldItem{Name: name}
		for i, k := range idx {
			if k != i {
				return fmt.Errorf("%w: item %q is missing timestep %d", ErrFormat, name, i)
			}
			s := b.steps[k]
			if len(s.values) != len(p.src.Elements) {
				return fmt.Errorf("%w: item %q timestep %d precedes $Elements", ErrFormat, name, k)
			}
			item.Times = append(item.Times, s.time)
			item.Steps = append(item.Steps, s.values)
		}
		p.src.Items = append(p.src.Items, item)
	}
	return nil
}

func (p *parser) readCount() (int, error) {
	fields, err := p.lines.ints()
	if err != nil {
		return 0, err
	}
	if len(fields) != 1 || fields[0] < 0 {
		return 0, p.lines.errorf("expected a single non-negative count")
	}
	return fields[0], nil
}

func (p *parser) readTags() ([]string, error) {
	n, err := p.readCount()
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, ok := p.lines.next()
		if !ok {
			return nil, p.lines.eof()
		}
		tags = append(tags, line)
	}
	return tags, nil
}

func (p *parser) expectEnd(section string) error {
	line, ok := p.lines.next()
	if !ok {
		return p.lines.eof()
	}
	if line != "$End"+section {
		return p.lines.errorf("expected $End%s, got %q", section, line)
	}
	return nil
}

func (p *parser) skip(section string) error {
	for {
		line, ok := p.lines.next()
		if !ok {
			return p.lines.eof()
		}
		if line == "$End"+section {
			return nil
		}
	}
}

// lineReader yields trimmed, non-empty lines and tracks line numbers for
// error messages.
type lineReader struct {
	scanner *bufio.Scanner
	line    int
}

func newLineReader(r io.Reader) *lineReader {
	s := bufio.NewScanner(r)
	const maxLine = 1024 * 1024
	s.Buffer(make([]byte, 64*1024), maxLine)
	return &lineReader{scanner: s}
}

func (l *lineReader) next() (string, bool) {
	for l.scanner.Scan() {
		l.line++
		if text := strings.TrimSpace(l.scanner.Text()); text != "" {
			return text, true
		}
	}
	return "", false
}

func (l *lineReader) fields() ([]string, error) {
	line, ok := l.next()
	if !ok {
		return nil, l.eof()
	}
	return strings.Fields(line), nil
}

func (l *lineReader) ints() ([]int, error) {
	fields, err := l.fields()
	if err != nil {
		return nil, err
	}
	out := make([]int, len(fields))
	for i, f := range fields {
		if out[i], err = strconv.Atoi(f); err != nil {
			return nil, l.errorf("integer field %q: %v", f, err)
		}
	}
	return out, nil
}

func (l *lineReader) err() error {
	if err := l.scanner.Err(); err != nil {
		return fmt.Errorf("%w: line %d: %v", ErrFormat, l.line, err)
	}
	return nil
}

func (l *lineReader) eof() error {
	if err := l.err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: unexpected end of file after line %d", ErrFormat, l.line)
}

func (l *lineReader) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrFormat, l.line, fmt.Sprintf(format, args...))
}
