package descriptor

import (
	"fmt"
	"strings"
)

const (
	inputCharset    = "0123456789()[],'/*abcdefgh@:$%{}IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
	checksumLength  = 8
)

func polymod(c uint64, val int) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ uint64(val)
	if c0&1 != 0 {
		c ^= 0xf5dee51989
	}
	if c0&2 != 0 {
		c ^= 0xa9fdca3312
	}
	if c0&4 != 0 {
		c ^= 0x1bab10e32d
	}
	if c0&8 != 0 {
		c ^= 0x3706b1677a
	}
	if c0&16 != 0 {
		c ^= 0x644d626ffd
	}
	return c
}

// Checksum computes the 8 character output descriptor checksum of desc.
func Checksum(desc string) (string, error) {
	c := uint64(1)
	cls, clsCount := 0, 0
	for _, ch := range desc {
		pos := strings.IndexRune(inputCharset, ch)
		if pos < 0 {
			return "", fmt.Errorf("invalid descriptor character %q", ch)
		}
		c = polymod(c, pos&31)
		cls = cls*3 + (pos >> 5)
		clsCount++
		if clsCount == 3 {
			c = polymod(c, cls)
			cls, clsCount = 0, 0
		}
	}
	if clsCount > 0 {
		c = polymod(c, cls)
	}
	for range checksumLength {
		c = polymod(c, 0)
	}
	c ^= 1

	var sb strings.Builder
	for j := range checksumLength {
		sb.WriteByte(checksumCharset[(c>>(5*(7-j)))&31])
	}
	return sb.String(), nil
}

// AddChecksum returns desc#checksum. A descriptor already carrying a checksum is
// validated and returned as is.
func AddChecksum(desc string) (string, error) {
	if strings.Contains(desc, "#") {
		if err := Validate(desc); err != nil {
			return "", err
		}
		return desc, nil
	}
	sum, err := Checksum(desc)
	if err != nil {
		return "", err
	}
	return desc + "#" + sum, nil
}

// Validate checks the checksum of a desc#checksum string.
func Validate(desc string) error {
	body, sum, ok := strings.Cut(desc, "#")
	if !ok {
		return fmt.Errorf("descriptor has no checksum")
	}
	if len(sum) != checksumLength {
		return fmt.Errorf("invalid checksum length %d", len(sum))
	}
	expected, err := Checksum(body)
	if err != nil {
		return err
	}
	if expected != sum {
		return fmt.Errorf("invalid checksum %s, expected %s", sum, expected)
	}
	return nil
}

// Strip returns the descriptor body without its checksum.
func Strip(desc string) string {
	body, _, _ := strings.Cut(desc, "#")
	return body
}
