package wire

import (
	"errors"
	"strings"
	"unicode"

	"google.golang.org/protobuf/encoding/protowire"
)

// Layout identifies which client generation produced an auth payload.
type Layout int

const (
	LayoutUnknown Layout = iota
	LayoutCurrent
	LayoutLegacy
)

func (l Layout) String() string {
	switch l {
	case LayoutCurrent:
		return "current"
	case LayoutLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Field numbers of the two auth payload layouts.
//
//	current: 2 version, 4 auth code, 5 verification block
//	legacy:  1 auth code (or a short platform tag), 3 version, 6 verification block
//
// Field 15 is an optional explicit discriminator (1 current, 2 legacy) sent by
// clients that know about both layouts.
const (
	FieldCurrentVersion      protowire.Number = 2
	FieldCurrentAuthCode     protowire.Number = 4
	FieldCurrentVerification protowire.Number = 5

	FieldLegacyAuthCode     protowire.Number = 1
	FieldLegacyVersion      protowire.Number = 3
	FieldLegacyVerification protowire.Number = 6

	FieldLayout protowire.Number = 15
)

// LegacyAuthCodeMinLen is the shortest field-1 string treated as an auth
// code. Legacy clients also put short platform tags ("pc", "console") in
// field 1; real auth codes are much longer.
const LegacyAuthCodeMinLen = 24

// maxVersionLen bounds strings accepted as a version by the fallback rule.
const maxVersionLen = 32

// AuthPayload is the best-effort extraction of a handshake sub-message.
type AuthPayload struct {
	Layout       Layout
	AuthCode     string
	Version      string
	Verification []byte
}

// Complete reports whether an auth code was identified.
func (p AuthPayload) Complete() bool { return p.AuthCode != "" }

// ClassifyAuth picks the layout of fs and extracts the auth fields. It never
// fails; missing fields are left empty.
//
// Layout selection, first match wins:
//  1. field 15 = 1 or 2 selects the layout explicitly;
//  2. a non-empty string in field 4 selects current;
//  3. a string of at least LegacyAuthCodeMinLen bytes in field 1 selects legacy;
//  4. otherwise the layout is unknown.
//
// Rule 2 runs before rule 3, so a payload that satisfies both is read as
// current. When the chosen layout has no version, the other layout's version
// field is used if it looks like a version (short, contains a digit).
func ClassifyAuth(fs Fields) AuthPayload {
	var p AuthPayload
	p.Layout = detectLayout(fs)

	switch p.Layout {
	case LayoutCurrent:
		p.AuthCode, _ = fs.Text(FieldCurrentAuthCode)
		p.Version = pickVersion(fs, FieldCurrentVersion, FieldLegacyVersion)
		p.Verification = verification(fs, FieldCurrentVerification, FieldLegacyVerification)
	case LayoutLegacy:
		if code, ok := fs.Text(FieldLegacyAuthCode); ok && len(code) >= LegacyAuthCodeMinLen {
			p.AuthCode = code
		}
		p.Version = pickVersion(fs, FieldLegacyVersion, FieldCurrentVersion)
		p.Verification = verification(fs, FieldLegacyVerification, FieldCurrentVerification)
	default:
		p.Version = pickVersion(fs, FieldCurrentVersion, FieldLegacyVersion)
	}
	return p
}

// ParseAuth parses and classifies buf. The payload is returned even when
// parsing stopped early; the error wraps ErrIncomplete only when no auth code
// could be found.
func ParseAuth(buf []byte) (AuthPayload, error) {
	fs, parseErr := Parse(buf)
	p := ClassifyAuth(fs)
	if !p.Complete() {
		if parseErr != nil {
			return p, errors.Join(ErrIncomplete, parseErr)
		}
		return p, ErrIncomplete
	}
	return p, nil
}

func detectLayout(fs Fields) Layout {
	if v, ok := fs.Uint(FieldLayout); ok {
		switch v {
		case 1:
			return LayoutCurrent
		case 2:
			return LayoutLegacy
		}
	}
	if code, ok := fs.Text(FieldCurrentAuthCode); ok && code != "" {
		return LayoutCurrent
	}
	if code, ok := fs.Text(FieldLegacyAuthCode); ok && len(code) >= LegacyAuthCodeMinLen {
		return LayoutLegacy
	}
	return LayoutUnknown
}

func pickVersion(fs Fields, primary, fallback protowire.Number) string {
	if v, ok := fs.Text(primary); ok && v != "" {
		return v
	}
	if v, ok := fs.Text(fallback); ok && looksLikeVersion(v) {
		return v
	}
	return ""
}

func verification(fs Fields, primary, fallback protowire.Number) []byte {
	for _, num := range []protowire.Number{primary, fallback} {
		if f, ok := fs.Last(num); ok && f.Type == protowire.BytesType && len(f.Bytes) > 0 {
			return f.Bytes
		}
	}
	return nil
}

func looksLikeVersion(s string) bool {
	if s == "" || len(s) > maxVersionLen {
		return false
	}
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}
