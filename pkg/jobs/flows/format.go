package flows

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/forgevault/forgevault/pkg/resilience"
)

// Format is a detected CAD interchange format.
type Format string

const (
	FormatSTEP Format = "step"
	FormatIGES Format = "iges"
	FormatSTL  Format = "stl"
	FormatDXF  Format = "dxf"
	FormatIFC  Format = "ifc"
)

// binarySTLHeader is the fixed prefix of a binary STL: an 80-byte
// comment block followed by the little-endian triangle count.
const binarySTLHeader = 84

// DetectFormat sniffs the upload's format from its content, falling
// back to the filename extension only when the bytes are ambiguous.
// IFC is STEP-encoded, so the Part 21 header alone does not decide;
// the FILE_SCHEMA record does.
func DetectFormat(data []byte, filename string) (Format, error) {
	if len(data) == 0 {
		return "", &resilience.InputError{Code: "invalid_input", Detail: "upload is empty"}
	}

	head := data
	if len(head) > 4096 {
		head = head[:4096]
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n\uFEFF")

	if bytes.HasPrefix(trimmed, []byte("ISO-10303-21")) {
		if schema := part21Schema(head); strings.HasPrefix(schema, "IFC") {
			return FormatIFC, nil
		}
		return FormatSTEP, nil
	}
	if isIGES(data) {
		return FormatIGES, nil
	}
	if isBinarySTL(data) || isASCIISTL(trimmed) {
		return FormatSTL, nil
	}
	if isDXF(trimmed) {
		return FormatDXF, nil
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".step", ".stp":
		return FormatSTEP, nil
	case ".iges", ".igs":
		return FormatIGES, nil
	case ".stl":
		return FormatSTL, nil
	case ".dxf":
		return FormatDXF, nil
	case ".ifc":
		return FormatIFC, nil
	}
	return "", &resilience.InputError{
		Code:   "unsupported_format",
		Detail: fmt.Sprintf("cannot detect format of %q, expected STEP, IGES, STL, DXF, or IFC", filename),
	}
}

// part21Schema extracts the schema name from a STEP Part 21 header,
// for example "IFC4" from FILE_SCHEMA(('IFC4')).
func part21Schema(head []byte) string {
	idx := bytes.Index(head, []byte("FILE_SCHEMA"))
	if idx < 0 {
		return ""
	}
	rest := head[idx:]
	open := bytes.IndexByte(rest, '\'')
	if open < 0 {
		return ""
	}
	rest = rest[open+1:]
	end := bytes.IndexByte(rest, '\'')
	if end < 0 {
		return ""
	}
	return strings.ToUpper(string(rest[:end]))
}

// isIGES checks for the fixed 80-column card layout: column 73 of the
// first card carries the section letter S.
func isIGES(data []byte) bool {
	line := data
	if nl := bytes.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	line = bytes.TrimRight(line, "\r")
	return len(line) >= 73 && len(line) <= 80 && line[72] == 'S'
}

// isBinarySTL validates the record math: 84 header bytes plus fifty
// bytes per triangle must equal the payload size exactly.
func isBinarySTL(data []byte) bool {
	if len(data) < binarySTLHeader {
		return false
	}
	count := binary.LittleEndian.Uint32(data[80:84])
	return uint64(len(data)) == uint64(binarySTLHeader)+uint64(count)*50
}

// isASCIISTL requires both the solid keyword and a facet, so a binary
// STL whose comment block starts with "solid" is not misread.
func isASCIISTL(trimmed []byte) bool {
	return bytes.HasPrefix(trimmed, []byte("solid")) && bytes.Contains(trimmed, []byte("facet"))
}

// isDXF checks for the group-code pairing every DXF opens with: code 0
// on one line, SECTION on the next.
func isDXF(trimmed []byte) bool {
	lines := bytes.SplitN(trimmed, []byte("\n"), 3)
	if len(lines) < 2 {
		return false
	}
	return bytes.Equal(bytes.TrimSpace(lines[0]), []byte("0")) &&
		bytes.Equal(bytes.TrimSpace(lines[1]), []byte("SECTION"))
}

// unitScale returns the millimetre multiplier for a declared unit.
func unitScale(unit string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", "mm", "millimetre", "millimeter":
		return 1, nil
	case "cm", "centimetre", "centimeter":
		return 10, nil
	case "m", "metre", "meter":
		return 1000, nil
	case "in", "inch":
		return 25.4, nil
	case "ft", "foot":
		return 304.8, nil
	}
	return 0, &resilience.InputError{
		Code:   "invalid_input",
		Detail: fmt.Sprintf("unknown unit %q, expected mm, cm, m, in, or ft", unit),
	}
}
