package multipart

import (
	"encoding/json"
	"fmt"
	"os"
)

// State is the position of an upload session in its lifecycle.
type State int

const (
	NotStarted State = iota
	Began
	UploadingParts
	Finalized
	Aborted
	// FailedNoCleanup means the upload failed and aborting it failed too, so the service may
	// still hold its parts.
	FailedNoCleanup
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Began:
		return "began"
	case UploadingParts:
		return "uploading parts"
	case Finalized:
		return "finalized"
	case Aborted:
		return "aborted"
	case FailedNoCleanup:
		return "failed without cleanup"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Finalized || s == Aborted || s == FailedNoCleanup
}

// CompletedPart is a part the service accepted.
type CompletedPart struct {
	Number   int
	ETag     string
	Checksum string
}

// Session is the client side record of one multipart upload.
type Session struct {
	Ref   UploadRef
	Parts []CompletedPart
	State State
}

func (s *Session) transition(to State) error {
	if s.State.Terminal() {
		return fmt.Errorf("upload session already %s, cannot become %s", s.State, to)
	}
	s.State = to
	return nil
}

// appendPart records an accepted part. Part numbers must be strictly increasing.
func (s *Session) appendPart(p CompletedPart) error {
	if n := len(s.Parts); n > 0 && p.Number <= s.Parts[n-1].Number {
		return fmt.Errorf("part %d recorded after part %d", p.Number, s.Parts[n-1].Number)
	}
	if p.Number < 1 {
		return fmt.Errorf("invalid part number %d", p.Number)
	}
	s.Parts = append(s.Parts, p)
	return nil
}

type manifestPart struct {
	ETag       string `json:"ETag"`
	PartNumber int    `json:"PartNumber"`
}

type manifest struct {
	Parts []manifestPart `json:"Parts"`
}

// MarshalManifest renders parts in the multipart upload document form
// {"Parts":[{"ETag":"...","PartNumber":1},...]}.
func MarshalManifest(parts []CompletedPart) ([]byte, error) {
	m := manifest{Parts: make([]manifestPart, 0, len(parts))}
	for _, p := range parts {
		m.Parts = append(m.Parts, manifestPart{ETag: p.ETag, PartNumber: p.Number})
	}
	return json.Marshal(m)
}

// ReadManifest parses a manifest file written by the uploader.
func ReadManifest(path string) ([]CompletedPart, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	parts := make([]CompletedPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		parts = append(parts, CompletedPart{Number: p.PartNumber, ETag: p.ETag})
	}
	return parts, nil
}
