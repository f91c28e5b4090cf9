package section

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// Section is the byte range of one table inside a payload
type Section struct {
	Table  Table
	Offset int64
	Length int64
	Rows   int64
}

// Payload is the concatenation of all non-empty sections in load order
type Payload struct {
	Path     string
	Sections []Section
}

// Rows returns the total number of rows in the payload
func (p *Payload) Rows() int64 {
	var n int64
	for _, s := range p.Sections {
		n += s.Rows
	}
	return n
}

// Find returns the section for table, if it was staged
func (p *Payload) Find(table string) (Section, bool) {
	for _, s := range p.Sections {
		if s.Table.Name == table {
			return s, true
		}
	}
	return Section{}, false
}

// Open opens the payload file for reading
func (p *Payload) Open() (*os.File, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	return f, nil
}

// Reader returns a reader limited to one section of an opened payload
func (s Section) Reader(r io.ReaderAt) io.Reader {
	return io.NewSectionReader(r, s.Offset, s.Length)
}

// ReadSection parses every row of a staged table back into fields
func (p *Payload) ReadSection(table string) ([][]Field, error) {
	sec, ok := p.Find(table)
	if !ok {
		return nil, nil
	}

	f, err := p.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadRows(sec.Reader(f))
}

// Remove deletes the payload file
func (p *Payload) Remove() error {
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadRows parses COPY text rows from r
func ReadRows(r io.Reader) ([][]Field, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	var rows [][]Field
	for scanner.Scan() {
		fields, err := ParseRow(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(rows)+1, err)
		}
		rows = append(rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
