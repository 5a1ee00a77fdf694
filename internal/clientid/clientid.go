// Package clientid generates CatSnake client identifiers.
package clientid

import (
	"math"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Pattern is the identifier template. Each x becomes a hex digit; a y would
// become a hex digit constrained to the 8-b variant range.
const Pattern = "client-xxxxxxxx"

var validID = regexp.MustCompile(`^client-[0-9a-f]{8}$`)

// Generate returns a new identifier derived from the current time and a
// random source.
func Generate() string {
	return generate(time.Now().UnixMilli(), rand.Float64)
}

func generate(seed int64, random func() float64) string {
	d := float64(seed)
	var b strings.Builder
	b.Grow(len(Pattern))
	for _, c := range Pattern {
		if c != 'x' && c != 'y' {
			b.WriteRune(c)
			continue
		}
		r := int64(math.Mod(d+random()*16, 16))
		d = math.Floor(d / 16)
		if c == 'y' {
			r = r&0x3 | 0x8
		}
		b.WriteString(strconv.FormatInt(r, 16))
	}
	return b.String()
}

// Valid reports whether id has the shape produced by Generate.
func Valid(id string) bool {
	return validID.MatchString(id)
}
