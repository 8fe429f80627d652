package multipart

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSession_AppendPart(t *testing.T) {
	s := &Session{}

	require.NoError(t, s.appendPart(CompletedPart{Number: 1, ETag: "a"}))
	require.NoError(t, s.appendPart(CompletedPart{Number: 2, ETag: "b"}))
	require.Error(t, s.appendPart(CompletedPart{Number: 2, ETag: "c"}))
	require.Error(t, s.appendPart(CompletedPart{Number: 1, ETag: "d"}))
	require.NoError(t, s.appendPart(CompletedPart{Number: 5, ETag: "e"}))

	require.Len(t, s.Parts, 3)
	require.Error(t, (&Session{}).appendPart(CompletedPart{Number: 0}))
}

func TestSession_TerminalStateIsFinal(t *testing.T) {
	s := &Session{}
	require.NoError(t, s.transition(Began))
	require.NoError(t, s.transition(UploadingParts))
	require.NoError(t, s.transition(Aborted))

	require.Error(t, s.transition(Finalized))
	require.Equal(t, Aborted, s.State)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "failed without cleanup", FailedNoCleanup.String())
	require.Equal(t, "state(42)", State(42).String())
}

func TestMarshalManifest(t *testing.T) {
	b, err := MarshalManifest([]CompletedPart{
		{Number: 1, ETag: `"3858f62230ac3c915f300c664312c63f"`, Checksum: "ignored"},
		{Number: 2, ETag: `"9b2cf535f27731c974343645a3985328"`},
	})

	require.NoError(t, err)
	require.JSONEq(t, `{"Parts":[
		{"ETag":"\"3858f62230ac3c915f300c664312c63f\"","PartNumber":1},
		{"ETag":"\"9b2cf535f27731c974343645a3985328\"","PartNumber":2}
	]}`, string(b))
}

func TestReadManifest(t *testing.T) {
	parts := []CompletedPart{{Number: 1, ETag: "a"}, {Number: 2, ETag: "b"}}
	b, err := MarshalManifest(parts)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, b, 0600))

	got, err := ReadManifest(path)

	require.NoError(t, err)
	require.Equal(t, parts, got)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0600))
	_, err = ReadManifest(path)
	require.Error(t, err)
}
