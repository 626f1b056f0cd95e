// Package pexport reads the export directory of a PE image on disk. It lets
// the probe check a runtime build for the hooked entry points without
// loading it.
package pexport

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNoExports means the image has no export directory.
var ErrNoExports = errors.New("no export directory")

const maxNameLength = 512

// Export is one named export.
type Export struct {
	Name    string
	Ordinal uint32
	// RVA of the code, zero for forwarders.
	RVA uint32
	// Forward names the export this one is forwarded to, as "DLL.Name".
	Forward string
}

// Directory is the export table of one image.
type Directory struct {
	Library string
	Exports []Export
}

// Lookup finds an export by name.
func (d *Directory) Lookup(name string) (Export, bool) {
	for _, e := range d.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

type exportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// Open reads the exports of the image at path.
func Open(path string) (*Directory, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Read decodes the export directory of f.
func Read(f *pe.File) (*Directory, error) {
	var dirs []pe.DataDirectory
	switch h := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		dirs = h.DataDirectory[:min(h.NumberOfRvaAndSizes, uint32(len(h.DataDirectory)))]
	case *pe.OptionalHeader32:
		dirs = h.DataDirectory[:min(h.NumberOfRvaAndSizes, uint32(len(h.DataDirectory)))]
	}
	if len(dirs) <= pe.IMAGE_DIRECTORY_ENTRY_EXPORT || dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT].Size == 0 {
		return nil, ErrNoExports
	}
	loc := dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
	img := image{f}

	var ed exportDirectory
	if err := img.read(loc.VirtualAddress, &ed); err != nil {
		return nil, fmt.Errorf("export directory: %w", err)
	}
	lib, err := img.cstring(ed.Name)
	if err != nil {
		return nil, fmt.Errorf("library name: %w", err)
	}
	funcs := make([]uint32, ed.NumberOfFunctions)
	names := make([]uint32, ed.NumberOfNames)
	ordinals := make([]uint16, ed.NumberOfNames)
	if err := img.read(ed.AddressOfFunctions, funcs); err != nil {
		return nil, fmt.Errorf("function table: %w", err)
	}
	if err := img.read(ed.AddressOfNames, names); err != nil {
		return nil, fmt.Errorf("name table: %w", err)
	}
	if err := img.read(ed.AddressOfNameOrdinals, ordinals); err != nil {
		return nil, fmt.Errorf("ordinal table: %w", err)
	}

	d := &Directory{Library: lib, Exports: make([]Export, 0, len(names))}
	for i, nameRVA := range names {
		idx := int(ordinals[i])
		if idx >= len(funcs) {
			return nil, fmt.Errorf("export %d: ordinal %d out of range", i, idx)
		}
		name, err := img.cstring(nameRVA)
		if err != nil {
			return nil, fmt.Errorf("export %d: %w", i, err)
		}
		e := Export{Name: name, Ordinal: ed.Base + uint32(idx), RVA: funcs[idx]}
		// an address inside the directory is a forwarder string
		if e.RVA >= loc.VirtualAddress && e.RVA < loc.VirtualAddress+loc.Size {
			if e.Forward, err = img.cstring(e.RVA); err != nil {
				return nil, fmt.Errorf("export %s: %w", name, err)
			}
			e.RVA = 0
		}
		d.Exports = append(d.Exports, e)
	}
	return d, nil
}

type image struct {
	f *pe.File
}

func (m image) section(rva uint32) (*pe.Section, error) {
	for _, s := range m.f.Sections {
		size := s.VirtualSize
		if size < s.Size {
			size = s.Size
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			return s, nil
		}
	}
	return nil, fmt.Errorf("rva %#x not in any section", rva)
}

func (m image) read(rva uint32, v any) error {
	size := binary.Size(v)
	if size == 0 {
		return nil
	}
	s, err := m.section(rva)
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	if _, err := s.ReadAt(buf, int64(rva-s.VirtualAddress)); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

func (m image) cstring(rva uint32) (string, error) {
	s, err := m.section(rva)
	if err != nil {
		return "", err
	}
	buf := make([]byte, maxNameLength)
	n, _ := s.ReadAt(buf, int64(rva-s.VirtualAddress))
	if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
		return string(buf[:i]), nil
	}
	return "", fmt.Errorf("unterminated name at rva %#x", rva)
}
