package radiology

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// placeholderRe matches {name} tokens in an accession pattern.
var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// seqRe matches the sequence placeholder body, e.g. "seq:06d".
var seqRe = regexp.MustCompile(`^seq:0(\d+)d$`)

// staticDateKey is the counter key for patterns with no date placeholder.
// Such patterns never reset their sequence; that is the pattern author's
// responsibility.
const staticDateKey = "static"

// Pattern is a validated accession number template. Placeholders:
// {facility_code}, {YYYY}, {YY}, {MM}, {DD}, {YYYYMMDD}, and exactly the
// sequence form {seq:0Nd}. A pattern must contain a sequence placeholder.
type Pattern struct {
	raw      string
	seqWidth int
	hasDate  bool
}

// ParsePattern validates a pattern template.
func ParsePattern(raw string) (*Pattern, error) {
	p := &Pattern{raw: raw}
	seqCount := 0

	for _, m := range placeholderRe.FindAllStringSubmatch(raw, -1) {
		name := m[1]
		switch name {
		case "facility_code":
		case "YYYY", "YY", "MM", "DD", "YYYYMMDD":
			p.hasDate = true
		default:
			sm := seqRe.FindStringSubmatch(name)
			if sm == nil {
				return nil, &InvalidPatternError{Pattern: raw, Detail: fmt.Sprintf("unrecognized placeholder {%s}", name)}
			}
			width, err := strconv.Atoi(sm[1])
			if err != nil || width < 1 {
				return nil, &InvalidPatternError{Pattern: raw, Detail: fmt.Sprintf("bad sequence width in {%s}", name)}
			}
			p.seqWidth = width
			seqCount++
		}
	}

	if seqCount == 0 {
		return nil, &InvalidPatternError{Pattern: raw, Detail: "pattern must contain a {seq:0Nd} placeholder"}
	}
	if seqCount > 1 {
		return nil, &InvalidPatternError{Pattern: raw, Detail: "pattern must contain exactly one sequence placeholder"}
	}

	return p, nil
}

// DateKey returns the counter key implied by the pattern's date
// placeholders for the given day. Patterns without a date placeholder share
// one constant key, so their counter never resets.
func (p *Pattern) DateKey(today time.Time) string {
	if !p.hasDate {
		return staticDateKey
	}
	return today.Format("20060102")
}

// Render substitutes all placeholders for the given facility, day, and
// sequence value.
func (p *Pattern) Render(facilityCode string, today time.Time, seq int64) string {
	return placeholderRe.ReplaceAllStringFunc(p.raw, func(token string) string {
		name := token[1 : len(token)-1]
		switch name {
		case "facility_code":
			return facilityCode
		case "YYYY":
			return today.Format("2006")
		case "YY":
			return today.Format("06")
		case "MM":
			return today.Format("01")
		case "DD":
			return today.Format("02")
		case "YYYYMMDD":
			return today.Format("20060102")
		default:
			// Validated as the sequence placeholder by ParsePattern.
			return fmt.Sprintf("%0*d", p.seqWidth, seq)
		}
	})
}

// String returns the raw template.
func (p *Pattern) String() string {
	return p.raw
}

// SeqWidth returns the zero-padding width of the sequence placeholder.
func (p *Pattern) SeqWidth() int {
	return p.seqWidth
}
