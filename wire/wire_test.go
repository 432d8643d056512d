package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

var longCode = strings.Repeat("k", LegacyAuthCodeMinLen+8)

func currentPayload() []byte {
	var b []byte
	b = AppendString(b, FieldCurrentVersion, "2.14.1")
	b = AppendString(b, FieldCurrentAuthCode, "oauth-code-abc")
	b = AppendBytes(b, FieldCurrentVerification, []byte{0xde, 0xad})
	return b
}

func legacyPayload() []byte {
	var b []byte
	b = AppendString(b, FieldLegacyAuthCode, longCode)
	b = AppendString(b, FieldLegacyVersion, "1.9")
	b = AppendBytes(b, FieldLegacyVerification, []byte{0xbe, 0xef})
	return b
}

func TestParseKeepsUnknownFields(t *testing.T) {
	var b []byte
	b = AppendUint(b, 9, 42)
	b = protowire.AppendTag(b, 10, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	b = protowire.AppendTag(b, 11, protowire.StartGroupType)
	b = AppendString(b, 1, "inside group")
	b = protowire.AppendTag(b, 11, protowire.EndGroupType)
	b = AppendString(b, 12, "tail")

	fs, err := Parse(b)
	require.NoError(t, err)
	require.Len(t, fs, 3)

	v, ok := fs.Uint(9)
	require.True(t, ok)
	require.Equal(t, uint64(42), v)

	f, ok := fs.Last(10)
	require.True(t, ok)
	require.Len(t, f.Bytes, 4)

	s, ok := fs.Text(12)
	require.True(t, ok)
	require.Equal(t, "tail", s)

	_, ok = fs.Text(1)
	require.False(t, ok, "group contents are skipped")
}

func TestParseTruncatedReturnsPrefix(t *testing.T) {
	b := currentPayload()
	fs, err := Parse(b[:len(b)-1])
	require.ErrorIs(t, err, ErrMalformed)
	require.Len(t, fs, 2)
}

func TestClassifyBothLayouts(t *testing.T) {
	current, err := ParseAuth(currentPayload())
	require.NoError(t, err)
	require.Equal(t, LayoutCurrent, current.Layout)
	require.Equal(t, "oauth-code-abc", current.AuthCode)
	require.Equal(t, "2.14.1", current.Version)
	require.Equal(t, []byte{0xde, 0xad}, current.Verification)

	legacy, err := ParseAuth(legacyPayload())
	require.NoError(t, err)
	require.Equal(t, LayoutLegacy, legacy.Layout)
	require.Equal(t, longCode, legacy.AuthCode)
	require.Equal(t, "1.9", legacy.Version)
	require.Equal(t, []byte{0xbe, 0xef}, legacy.Verification)
}

func TestClassifyShortLegacyFieldIsNotAuthCode(t *testing.T) {
	var b []byte
	b = AppendString(b, FieldLegacyAuthCode, "pc")
	b = AppendString(b, FieldLegacyVersion, "1.9")

	p, err := ParseAuth(b)
	require.ErrorIs(t, err, ErrIncomplete)
	require.Equal(t, LayoutUnknown, p.Layout)
	require.Empty(t, p.AuthCode)
	require.Equal(t, "1.9", p.Version, "version still extracted best effort")
}

func TestClassifyTieBreakPrefersCurrent(t *testing.T) {
	var b []byte
	b = AppendString(b, FieldLegacyAuthCode, longCode)
	b = AppendString(b, FieldCurrentAuthCode, "current-code")
	b = AppendString(b, FieldLegacyVersion, "1.9")

	p := ClassifyAuth(mustParse(t, b))
	require.Equal(t, LayoutCurrent, p.Layout)
	require.Equal(t, "current-code", p.AuthCode)
	require.Equal(t, "1.9", p.Version, "falls back to the legacy version field")
}

func TestClassifyDiscriminatorWins(t *testing.T) {
	var b []byte
	b = AppendUint(b, FieldLayout, 2)
	b = AppendString(b, FieldCurrentAuthCode, "would-be-current")
	b = AppendString(b, FieldLegacyAuthCode, longCode)
	b = AppendString(b, FieldLegacyVersion, "1.2")

	p := ClassifyAuth(mustParse(t, b))
	require.Equal(t, LayoutLegacy, p.Layout)
	require.Equal(t, longCode, p.AuthCode)
	require.Equal(t, "1.2", p.Version)
}

func TestClassifyUnexpectedTypesDegrade(t *testing.T) {
	var b []byte
	b = AppendUint(b, FieldCurrentAuthCode, 12345) // wrong wire type
	b = AppendUint(b, FieldCurrentVersion, 3)
	b = AppendString(b, FieldLegacyAuthCode, longCode)
	b = AppendString(b, FieldCurrentVersion, "not a version at all, far too long to be one")

	p, err := ParseAuth(b)
	require.NoError(t, err)
	require.Equal(t, LayoutLegacy, p.Layout)
	require.Equal(t, longCode, p.AuthCode)
	require.Empty(t, p.Version)
}

func TestParseAuthCorruptWithoutCode(t *testing.T) {
	_, err := ParseAuth([]byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrIncomplete)
	require.ErrorIs(t, err, ErrMalformed)
}

func mustParse(t *testing.T, b []byte) Fields {
	t.Helper()
	fs, err := Parse(b)
	require.NoError(t, err)
	return fs
}
