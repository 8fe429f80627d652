package multipart

// Part is one numbered byte range of the input.
type Part struct {
	// Number is 1-based.
	Number int
	Beg    int64
	End    int64
}

// Size ...
func (p Part) Size() int64 {
	return p.End - p.Beg
}

// PlanParts splits size bytes into parts. At each offset the rest of the input becomes the
// final part if taking partSize would leave less than minPartSize behind, so only the last
// part can differ from partSize and it is never shorter than minPartSize unless the whole
// input is.
func PlanParts(size, partSize, minPartSize int64) []Part {
	if partSize <= 0 {
		partSize = size
	}

	var parts []Part
	for beg := int64(0); beg < size; {
		n := partSize
		if remaining := size - beg; remaining-partSize < minPartSize {
			n = remaining
		}
		parts = append(parts, Part{Number: len(parts) + 1, Beg: beg, End: beg + n})
		beg += n
	}
	return parts
}
