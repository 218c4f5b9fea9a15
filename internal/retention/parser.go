// Package retention decides which tagged images may be retired while keeping
// a minimum rollback history.
package retention

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// ErrUnparseable matches every ParseError.
var ErrUnparseable = errors.New("unparseable tag value")

// ParseError reports a tag value that does not follow the tagging convention.
// Such images are left out of retention accounting.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse tag %q: %s", e.Raw, e.Reason)
}

// Is makes errors.Is(err, ErrUnparseable) hold.
func (e *ParseError) Is(target error) bool {
	return target == ErrUnparseable
}

// Parser turns a raw tag value into label, date and sequence.
type Parser interface {
	// Matches reports whether raw belongs to the fleet named by prefix.
	// It must not require raw to parse, so malformed values of the fleet
	// can still be reported.
	Matches(raw, prefix string) bool
	Parse(raw string) (fleet.Tag, error)
}

// Tag formats accepted by NewParser.
const (
	FormatSequence = "sequence"
	FormatKeyValue = "kv"
)

// NewParser returns the parser for a tag format. An empty format selects
// FormatSequence.
func NewParser(format string) (Parser, error) {
	switch format {
	case "", FormatSequence:
		return SequenceParser{}, nil
	case FormatKeyValue:
		return KeyValueParser{}, nil
	default:
		return nil, &fleet.ConfigError{Field: "reap.tag_format", Reason: fmt.Sprintf("unknown format %q", format)}
	}
}

var trailingDigits = regexp.MustCompile(`(\d+)$`)

// labelTrim is stripped between the label/date and the sequence, as in
// "CI Slave 2023-05-01 #0007" or "ci-worker-2023-05-01-7".
const labelTrim = " \t#-_.:/"

var dateLayouts = []string{
	"2006-01-02",
	"20060102",
	"2006.01.02",
	"2006-01-02-1504",
	time.RFC3339,
}

// SequenceParser reads free-text values of the form
// "<label> [<date>] <separator><sequence>".
type SequenceParser struct{}

// Matches implements Parser. The label leads the value, so the trimmed value
// must start with prefix.
func (SequenceParser) Matches(raw, prefix string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), prefix)
}

// Parse implements Parser.
func (SequenceParser) Parse(raw string) (fleet.Tag, error) {
	value := strings.TrimSpace(raw)

	loc := trailingDigits.FindStringSubmatchIndex(value)
	if loc == nil {
		return fleet.Tag{}, &ParseError{Raw: raw, Reason: "no trailing sequence number"}
	}
	seq, err := strconv.Atoi(value[loc[2]:loc[3]])
	if err != nil {
		return fleet.Tag{}, &ParseError{Raw: raw, Reason: "sequence number out of range"}
	}

	label, date := splitDate(strings.TrimRight(value[:loc[2]], labelTrim))
	return fleet.Tag{Label: label, Date: date, Sequence: seq}, nil
}

// splitDate peels a trailing date token off s.
func splitDate(s string) (label, date string) {
	i := strings.LastIndexFunc(s, unicode.IsSpace)
	token := s[i+1:]
	if !isDate(token) {
		return s, ""
	}
	return strings.TrimSpace(s[:i+1]), token
}

func isDate(token string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, token); err == nil {
			return true
		}
	}
	return false
}

// KeyValueParser reads structured values such as
// "label=CI Slave;date=2023-05-01;seq=7". Pairs are separated by ';' or ','.
type KeyValueParser struct{}

// Matches implements Parser. The label pair must start with prefix, wherever
// it appears in the value. A repeated label key uses the last one, as Parse
// does.
func (KeyValueParser) Matches(raw, prefix string) bool {
	label, found := "", false
	for _, field := range splitPairs(raw) {
		if k, v, ok := strings.Cut(field, "="); ok && isLabelKey(k) {
			label, found = strings.TrimSpace(v), true
		}
	}
	return found && strings.HasPrefix(label, prefix)
}

// Parse implements Parser.
func (KeyValueParser) Parse(raw string) (fleet.Tag, error) {
	var (
		tag    fleet.Tag
		hasSeq bool
	)

	for _, field := range splitPairs(raw) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return fleet.Tag{}, &ParseError{Raw: raw, Reason: fmt.Sprintf("malformed pair %q", strings.TrimSpace(field))}
		}
		v = strings.TrimSpace(v)

		switch key := strings.ToLower(strings.TrimSpace(k)); {
		case isLabelKey(key):
			tag.Label = v
		case key == "date":
			tag.Date = v
		case key == "seq" || key == "sequence":
			seq, err := strconv.Atoi(v)
			if err != nil {
				return fleet.Tag{}, &ParseError{Raw: raw, Reason: fmt.Sprintf("sequence %q is not an integer", v)}
			}
			tag.Sequence = seq
			hasSeq = true
		}
	}

	if !hasSeq {
		return fleet.Tag{}, &ParseError{Raw: raw, Reason: "no sequence key"}
	}
	return tag, nil
}

func splitPairs(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' })
}

func isLabelKey(k string) bool {
	switch strings.ToLower(strings.TrimSpace(k)) {
	case "label", "name":
		return true
	}
	return false
}
