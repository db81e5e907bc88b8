package main

import (
	"debug/pe"
	"errors"
	"fmt"

	"github.com/dcrodman/rallycam/internal/memory"
)

var errNotPE64 = errors.New("not a 64-bit PE image")

// section is the part of a PE section that ends up in the mapped image.
type section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
	Data           []byte
}

// image is an executable laid out the way the loader maps it.
type image struct {
	mem  *memory.Buffer
	base uintptr
	size int
}

// openImage maps the sections of the executable at path at its preferred base.
func openImage(path string) (*image, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %v", path, err)
	}
	defer f.Close()

	opt, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, errNotPE64)
	}

	sections := make([]section, 0, len(f.Sections))
	for _, s := range f.Sections {
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("unable to read section %s: %v", s.Name, err)
		}
		sections = append(sections, section{
			Name:           s.Name,
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			Data:           data,
		})
	}
	return mapSections(uintptr(opt.ImageBase), int(opt.SizeOfImage), sections)
}

// mapSections copies each section to its virtual address. Raw data past the
// virtual size is padding and is dropped; a short raw size leaves zeroes.
func mapSections(base uintptr, size int, sections []section) (*image, error) {
	mapped := make([]byte, size)
	for _, s := range sections {
		data := s.Data
		if s.VirtualSize != 0 && int(s.VirtualSize) < len(data) {
			data = data[:s.VirtualSize]
		}
		end := int(s.VirtualAddress) + len(data)
		if end > size {
			return nil, fmt.Errorf("section %s ends at 0x%X, past the image size 0x%X", s.Name, end, size)
		}
		copy(mapped[s.VirtualAddress:], data)
	}

	mem := memory.NewBuffer()
	mem.Map(base, mapped)
	return &image{mem: mem, base: base, size: size}, nil
}
