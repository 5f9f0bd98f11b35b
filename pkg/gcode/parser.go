// Package gcode implements a tolerant line based G-code parser.
//
// Slicers disagree wildly about what belongs in a G-code file, so the
// parser is a classifier first : comments and vendor metadata are
// discarded without error, unknown codes become Unsupported commands
// that the caller logs and skips. Only structurally broken lines
// (duplicate words, values out of range) produce a ParseError, and even
// those are recoverable.
package gcode

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	printd "github.com/PS-3D/3dprintd"
)

const mmPerInch = 25.4

// Metadata prefixes emitted by common slicers. Purely informational,
// matched only so they can be logged at trace level for debugging.
var metadataPrefixes = []string{
	";LAYER", ";TIME", ";TYPE", ";MESH", ";MINX", ";MINY", ";MINZ",
	";MAXX", ";MAXY", ";MAXZ", ";SETTING_", ";FLAVOR", ";Filament",
	";Layer height", ";Generated",
}

// A recoverable parsing failure on a single line
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error on line %d : %s", e.Line, e.Reason)
}

// One letter+number word of a line, e.g. X10.5
type word struct {
	letter byte
	value  float64
	hasVal bool
}

// Parser reads G-code from r one line at a time.
// It tracks the active unit mode (G20/G21) so all coordinate values it
// emits are in mm.
type Parser struct {
	scanner *bufio.Scanner
	line    int
	inches  bool
}

func NewParser(r io.Reader) *Parser {
	return &Parser{scanner: bufio.NewScanner(r)}
}

// Line number of the last line read, 1-based
func (p *Parser) Line() int {
	return p.line
}

// Next returns the next command in the stream together with its line
// number. Blank and comment lines are skipped internally. Returns io.EOF
// when the input is exhausted. On a *ParseError the stream is still
// usable, the offending line is simply skipped by calling Next again.
func (p *Parser) Next() (Command, int, error) {
	for p.scanner.Scan() {
		p.line++
		cmd, err := p.ParseLine(p.scanner.Text())
		if err != nil {
			return nil, p.line, err
		}
		if cmd == nil {
			continue
		}
		return cmd, p.line, nil
	}
	if err := p.scanner.Err(); err != nil {
		return nil, p.line, err
	}
	return nil, p.line, io.EOF
}

// ParseLine parses a single line. A nil command with nil error means the
// line carried nothing executable (blank, comment or known no-op).
func (p *Parser) ParseLine(line string) (Command, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, ";") {
		for _, prefix := range metadataPrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				log.Tracef("[PARSER] metadata line %d : %s", p.line, trimmed)
				break
			}
		}
		return nil, nil
	}
	// Strip trailing comment
	if idx := strings.IndexByte(trimmed, ';'); idx >= 0 {
		trimmed = strings.TrimSpace(trimmed[:idx])
		if trimmed == "" {
			return nil, nil
		}
	}
	words, err := p.tokenize(trimmed)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, nil
	}
	// Tolerate line numbers (N words) in front of the command
	if words[0].letter == 'N' {
		words = words[1:]
		if len(words) == 0 {
			return nil, nil
		}
	}
	return p.dispatch(trimmed, words)
}

func (p *Parser) tokenize(line string) ([]word, error) {
	var words []word
	i := 0
	for i < len(line) {
		c := line[i]
		if c == ' ' || c == '\t' {
			i++
			continue
		}
		if c == '*' {
			// Checksum, covers the rest of the line
			break
		}
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return nil, &ParseError{p.line, fmt.Sprintf("number without a letter : %q", line)}
		}
		letter := upper(c)
		i++
		start := i
		for i < len(line) && (line[i] == '+' || line[i] == '-' || line[i] == '.' || line[i] >= '0' && line[i] <= '9') {
			i++
		}
		if start == i {
			words = append(words, word{letter: letter})
			continue
		}
		value, err := strconv.ParseFloat(line[start:i], 64)
		if err != nil {
			return nil, &ParseError{p.line, fmt.Sprintf("bad number %q", line[start:i])}
		}
		words = append(words, word{letter: letter, value: value, hasVal: true})
	}
	return words, nil
}

func (p *Parser) dispatch(raw string, words []word) (Command, error) {
	head := words[0]
	args := words[1:]
	if !head.hasVal && head.letter != 'T' {
		return nil, &ParseError{p.line, fmt.Sprintf("letter without a number : %q", raw)}
	}
	// Decimal codes (G92.1, G38.2, ...) are distinct commands, not
	// variants of their integer part
	if head.value != math.Trunc(head.value) {
		return Unsupported{Raw: raw}, nil
	}
	major := int(head.value)
	switch head.letter {
	case 'G':
		switch major {
		case 0, 1:
			return p.move(args)
		case 4:
			return p.dwell(args)
		case 20:
			p.inches = true
			return SetUnits{Inches: true}, nil
		case 21:
			p.inches = false
			return SetUnits{}, nil
		case 28:
			return p.home(args)
		case 90:
			return SetMotionMode{Absolute: true}, nil
		case 91:
			return SetMotionMode{}, nil
		case 92:
			return p.setPosition(args)
		}
	case 'M':
		switch major {
		case 82:
			return SetExtrusionMode{Absolute: true}, nil
		case 83:
			return SetExtrusionMode{}, nil
		// M84 (motors off), M106/M107 (part fan) are accepted and
		// dropped, fan control is not ours and the drives hold
		// themselves
		case 84, 106, 107:
			return nil, nil
		case 104:
			return p.thermal(HotendTarget, raw, args)
		case 109:
			return p.thermal(HotendTargetWait, raw, args)
		case 140:
			return p.thermal(BedTarget, raw, args)
		case 190:
			return p.thermal(BedTargetWait, raw, args)
		}
	case 'T':
		if !head.hasVal {
			return nil, &ParseError{p.line, "tool select without index"}
		}
		return SelectTool{Index: major}, nil
	}
	return Unsupported{Raw: raw}, nil
}

func (p *Parser) move(args []word) (Command, error) {
	if len(args) == 0 {
		return nil, &ParseError{p.line, "move without arguments"}
	}
	mv := Move{Axes: make(map[printd.Axis]float64, len(args))}
	for _, arg := range args {
		if !arg.hasVal {
			return nil, &ParseError{p.line, fmt.Sprintf("argument %c without a value", arg.letter)}
		}
		if arg.letter == 'F' {
			if mv.HasFeed {
				return nil, &ParseError{p.line, "duplicate F argument"}
			}
			mv.Feedrate = p.inMM(arg.value)
			mv.HasFeed = true
			continue
		}
		axis, ok := printd.ParseAxis(arg.letter)
		if !ok {
			return nil, &ParseError{p.line, fmt.Sprintf("unknown move argument %c", arg.letter)}
		}
		if _, dup := mv.Axes[axis]; dup {
			return nil, &ParseError{p.line, fmt.Sprintf("duplicate %v argument", axis)}
		}
		mv.Axes[axis] = p.inMM(arg.value)
	}
	return mv, nil
}

func (p *Parser) dwell(args []word) (Command, error) {
	if len(args) == 0 {
		return nil, &ParseError{p.line, "dwell without arguments"}
	}
	var d time.Duration
	seen := map[byte]bool{}
	for _, arg := range args {
		if seen[arg.letter] {
			return nil, &ParseError{p.line, fmt.Sprintf("duplicate %c argument", arg.letter)}
		}
		seen[arg.letter] = true
		switch arg.letter {
		case 'P':
			d += time.Duration(arg.value * float64(time.Millisecond))
		case 'S':
			d += time.Duration(arg.value * float64(time.Second))
		default:
			return nil, &ParseError{p.line, fmt.Sprintf("unknown dwell argument %c", arg.letter)}
		}
	}
	return Dwell{Duration: d}, nil
}

func (p *Parser) home(args []word) (Command, error) {
	if len(args) == 0 {
		return Home{Axes: []printd.Axis{printd.AxisX, printd.AxisY, printd.AxisZ}}, nil
	}
	home := Home{}
	for _, arg := range args {
		axis, ok := printd.ParseAxis(arg.letter)
		if !ok || axis == printd.AxisE {
			return nil, &ParseError{p.line, fmt.Sprintf("cannot home %c", arg.letter)}
		}
		home.Axes = append(home.Axes, axis)
	}
	return home, nil
}

func (p *Parser) setPosition(args []word) (Command, error) {
	if len(args) == 0 {
		return nil, &ParseError{p.line, "G92 without arguments"}
	}
	sp := SetPosition{Axes: make(map[printd.Axis]float64, len(args))}
	for _, arg := range args {
		axis, ok := printd.ParseAxis(arg.letter)
		if !ok {
			return nil, &ParseError{p.line, fmt.Sprintf("unknown G92 argument %c", arg.letter)}
		}
		if !arg.hasVal {
			return nil, &ParseError{p.line, fmt.Sprintf("argument %v without a value", axis)}
		}
		if _, dup := sp.Axes[axis]; dup {
			return nil, &ParseError{p.line, fmt.Sprintf("duplicate %v argument", axis)}
		}
		sp.Axes[axis] = p.inMM(arg.value)
	}
	return sp, nil
}

func (p *Parser) thermal(kind ThermalKind, raw string, args []word) (Command, error) {
	th := Thermal{Kind: kind, Raw: raw}
	seen := false
	for _, arg := range args {
		if arg.letter != 'S' {
			return nil, &ParseError{p.line, fmt.Sprintf("unknown thermal argument %c", arg.letter)}
		}
		if seen {
			return nil, &ParseError{p.line, "duplicate S argument"}
		}
		seen = true
		th.Temperature = arg.value
	}
	return th, nil
}

func (p *Parser) inMM(val float64) float64 {
	if p.inches {
		return val * mmPerInch
	}
	return val
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}
