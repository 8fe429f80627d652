package multipart

import (
	"fmt"
	"os"
)

// FilePartProvider maps part indexes to byte ranges of an open input file.
type FilePartProvider struct {
	file  *os.File
	size  int64
	parts []Part
}

// NewFilePartProvider plans the parts of file, which must stay open while the provider is used.
func NewFilePartProvider(file *os.File, size int64, config Config) *FilePartProvider {
	return &FilePartProvider{
		file:  file,
		size:  size,
		parts: PlanParts(size, config.PartSize, config.MinPartSize),
	}
}

// NumParts returns the total number of parts.
func (p *FilePartProvider) NumParts() int {
	return len(p.parts)
}

// Part returns the part at the given 0-based index.
func (p *FilePartProvider) Part(index int) (Part, error) {
	if index < 0 || index >= len(p.parts) {
		return Part{}, fmt.Errorf("part index %d out of range [0, %d)", index, len(p.parts))
	}
	return p.parts[index], nil
}

// File returns the input file.
func (p *FilePartProvider) File() *os.File {
	return p.file
}

// Size returns the total input size.
func (p *FilePartProvider) Size() int64 {
	return p.size
}
