package laser

import (
	"errors"
	"fmt"
	"strings"
)

/*
SCIP 2.0 framing

A request is a command line terminated by LF. The reply echoes the command
line, then a status line of two characters plus a checksum character, then
zero or more data lines each ending in a checksum character, and finally an
empty line.

The checksum character of a line is the sum of the preceding bytes, masked to
six bits, plus 0x30. Parameter lines ("DMAX:4000;X") are summed up to but not
including the semicolon.

Range data packs each value into characters carrying six bits each, offset by
0x30, most significant character first. GD replies use three characters per
step and split the stream into lines of at most 64 data characters.
*/

const (
	encOffset    = 0x30
	dataLineSize = 64
)

var (
	errEmptyReply = errors.New("empty SCIP reply")
	errBadSum     = errors.New("SCIP checksum mismatch")
)

// scipSum returns the checksum character for b.
func scipSum(b string) byte {
	var sum byte
	for i := 0; i < len(b); i++ {
		sum += b[i]
	}
	return (sum & 0x3F) + encOffset
}

// WithChecksum appends the SCIP checksum character to a line body.
func WithChecksum(body string) string {
	return body + string(scipSum(body))
}

// checkLine verifies and strips the trailing checksum of a data line.
func checkLine(line string) (string, error) {
	if len(line) < 2 {
		return "", fmt.Errorf("%w: line %q too short", errBadSum, line)
	}
	body := line[:len(line)-1]
	if got := line[len(line)-1]; got != scipSum(body) {
		return "", fmt.Errorf("%w: line %q", errBadSum, line)
	}
	return body, nil
}

// checkParamLine verifies a "KEY:value;X" line and returns "KEY:value;".
func checkParamLine(line string) (string, error) {
	if len(line) < 3 || line[len(line)-2] != ';' {
		return "", fmt.Errorf("%w: parameter line %q", errBadSum, line)
	}
	body := line[:len(line)-1]
	if got := line[len(line)-1]; got != scipSum(body[:len(body)-1]) {
		return "", fmt.Errorf("%w: line %q", errBadSum, line)
	}
	return body, nil
}

// decodeChars decodes a 6-bit character group into an integer.
func decodeChars(s string) int {
	v := 0
	for i := 0; i < len(s); i++ {
		v = v<<6 | int(s[i]-encOffset)&0x3F
	}
	return v
}

// EncodeChars encodes v into n SCIP 6-bit characters, most significant first.
func EncodeChars(v, n int) string {
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v&0x3F) + encOffset
		v >>= 6
	}
	return string(b)
}

// reply is a parsed SCIP response.
type reply struct {
	Echo   string
	Status string
	Lines  []string // data lines with checksums verified and removed
}

// parseReply splits a raw response (every line up to, not including, the
// terminating blank line) into echo, status and verified data lines. VV and
// PP replies carry parameter lines, whose checksum skips the semicolon.
func parseReply(lines []string, params bool) (reply, error) {
	if len(lines) < 2 {
		return reply{}, errEmptyReply
	}
	r := reply{Echo: lines[0]}
	status := lines[1]
	// A few firmware revisions omit the status checksum.
	if len(status) == 3 {
		body, err := checkLine(status)
		if err != nil {
			return reply{}, err
		}
		status = body
	}
	r.Status = status
	check := checkLine
	if params {
		check = checkParamLine
	}
	for _, l := range lines[2:] {
		body, err := check(l)
		if err != nil {
			return reply{}, err
		}
		r.Lines = append(r.Lines, body)
	}
	return r, nil
}

// statusOK reports whether a status code signals success. "99" is the
// normal status of streamed data and "0E"/"0F" mean SCIP 2.0 was already
// active.
func statusOK(s string) bool {
	switch s {
	case "00", "99", "0E", "0F":
		return true
	}
	return false
}

// parseParams decodes "KEY:value;" lines into a map.
func parseParams(lines []string) map[string]string {
	out := make(map[string]string, len(lines))
	for _, l := range lines {
		kv := strings.TrimSuffix(l, ";")
		k, v, ok := strings.Cut(kv, ":")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// ParamLine formats a "KEY:value;" parameter line with its checksum.
func ParamLine(key, value string) string {
	body := key + ":" + value
	return body + ";" + string(scipSum(body))
}

// decodeRanges decodes the data lines of a GD reply. The first line is the
// timestamp; the rest are concatenated and split into three-character values.
func decodeRanges(lines []string) (timestamp int, ranges []int, err error) {
	if len(lines) == 0 {
		return 0, nil, errors.New("GD reply has no timestamp")
	}
	timestamp = decodeChars(lines[0])
	data := strings.Join(lines[1:], "")
	if len(data)%3 != 0 {
		return 0, nil, fmt.Errorf("GD data length %d is not a multiple of 3", len(data))
	}
	ranges = make([]int, 0, len(data)/3)
	for i := 0; i < len(data); i += 3 {
		ranges = append(ranges, decodeChars(data[i:i+3]))
	}
	return timestamp, ranges, nil
}

// EncodeRanges renders range values as GD data lines, checksums included.
func EncodeRanges(ranges []int) []string {
	var sb strings.Builder
	for _, r := range ranges {
		sb.WriteString(EncodeChars(r, 3))
	}
	data := sb.String()
	var lines []string
	for len(data) > 0 {
		n := min(dataLineSize, len(data))
		lines = append(lines, WithChecksum(data[:n]))
		data = data[n:]
	}
	return lines
}
