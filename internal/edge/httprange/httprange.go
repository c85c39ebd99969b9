// Package httprange parses HTTP Range headers into a single byte interval
// against a known object size. Multipart ranges are not supported; anything
// the parser cannot satisfy with one interval is treated as no range at all
// or, when the caller knows the object exists, a 416.
package httprange

import (
	"strconv"
	"strings"
)

const bytesPrefix = "bytes="

// Interval is a resolved byte range. Partial is false when the interval
// covers the entire object, which happens for a missing header and for the
// full-file probe "bytes=0-". The caller still answers a probe with 206.
type Interval struct {
	Start   int64
	End     int64
	Length  int64
	Partial bool
}

// Parse resolves a Range header value against totalSize. It returns nil for
// a missing header, a unit other than bytes, multipart ranges, malformed
// components, or an interval that cannot be satisfied. A nil result on a
// present header means the caller should respond 416.
func Parse(header string, totalSize int64) *Interval {
	if header == "" || totalSize <= 0 {
		return nil
	}
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), bytesPrefix)
	if !ok {
		return nil
	}
	if strings.Contains(spec, ",") {
		return nil
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return nil
	}
	startStr := strings.TrimSpace(spec[:dash])
	endStr := strings.TrimSpace(spec[dash+1:])

	var start, end int64
	switch {
	case startStr == "" && endStr == "":
		return nil

	case startStr == "":
		// Suffix form bytes=-S: the final S bytes. "-0" is unsatisfiable.
		suffix, err := parseNonNegative(endStr)
		if err != nil || suffix == 0 {
			return nil
		}
		if suffix > totalSize {
			suffix = totalSize
		}
		start = totalSize - suffix
		end = totalSize - 1

	case endStr == "":
		// Open form bytes=A-: from A to the end of the object.
		var err error
		start, err = parseNonNegative(startStr)
		if err != nil || start >= totalSize {
			return nil
		}
		end = totalSize - 1

	default:
		var err error
		start, err = parseNonNegative(startStr)
		if err != nil {
			return nil
		}
		end, err = parseNonNegative(endStr)
		if err != nil {
			return nil
		}
		if end > totalSize-1 {
			end = totalSize - 1
		}
		if start > end || start >= totalSize {
			return nil
		}
	}

	return &Interval{
		Start:   start,
		End:     end,
		Length:  end - start + 1,
		Partial: !(start == 0 && end == totalSize-1),
	}
}

// IsBounded reports whether the header is a plain bytes=A-B range with both
// endpoints present and A <= B. Only this form is worth a speculative ranged
// read before the object size is known.
func IsBounded(header string) (start, length int64, ok bool) {
	spec, found := strings.CutPrefix(strings.TrimSpace(header), bytesPrefix)
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, false
	}
	start, err := parseNonNegative(strings.TrimSpace(spec[:dash]))
	if err != nil {
		return 0, 0, false
	}
	end, err := parseNonNegative(strings.TrimSpace(spec[dash+1:]))
	if err != nil || start > end {
		return 0, 0, false
	}
	return start, end - start + 1, true
}

// IsFullFileProbe reports whether the header is the "bytes=0-" probe media
// players send to confirm range support before seeking.
func IsFullFileProbe(header string) bool {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), bytesPrefix)
	return ok && strings.TrimSpace(spec) == "0-"
}

func parseNonNegative(s string) (int64, error) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(s, 10, 64)
}
