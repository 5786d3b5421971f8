// Package timefmt translates strptime-style format strings into Go time layouts.
package timefmt

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // station zones must resolve on hosts without a zoneinfo database
)

// Numeric fields use the unpadded Go elements, which parse one or two
// digits the way strptime does ("2024-1-5 7:05" matches "%Y-%m-%d %H:%M").
var directives = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "1",
	'd': "2",
	'e': "_2",
	'H': "15",
	'I': "3",
	'M': "4",
	'S': "5",
	'f': "000000",
	'p': "PM",
	'b': "Jan",
	'h': "Jan",
	'B': "January",
	'a': "Mon",
	'A': "Monday",
	'z': "-0700",
	'Z': "MST",
	'j': "002",
	'T': "15:4:5",
	'R': "15:4",
	'D': "1/2/06",
	'F': "2006-1-2",
	'%': "%",
}

// Layout converts a strptime format such as "%Y-%m-%d %H:%M" into the
// equivalent Go reference layout. Literal digits are rejected because Go
// would read them as layout elements.
func Layout(format string) (string, error) {
	if format == "" {
		return "", fmt.Errorf("empty timestamp format")
	}

	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			if c >= '0' && c <= '9' {
				return "", fmt.Errorf("literal digit %q in format %q is not supported", c, format)
			}
			b.WriteByte(c)
			continue
		}

		if i+1 >= len(format) {
			return "", fmt.Errorf("dangling %% at end of format %q", format)
		}
		i++
		layout, ok := directives[format[i]]
		if !ok {
			return "", fmt.Errorf("unsupported directive %%%c in format %q", format[i], format)
		}
		b.WriteString(layout)
	}

	return b.String(), nil
}

// Parse parses value with a strptime format, interpreting it in loc unless
// the value carries its own offset, and returns the instant in UTC.
func Parse(format, value string, loc *time.Location) (time.Time, error) {
	layout, err := Layout(format)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation(layout, strings.TrimSpace(value), loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
