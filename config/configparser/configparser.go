/* NVBridge configuration file parser.

   Copyright (c) 2025, NVBridge Authors

   Permission is hereby granted, free of charge, to any person obtaining a
   copy of this software and associated documentation files (the "Software"),
   to deal in the Software without restriction, including without limitation
   the rights to use, copy, modify, merge, publish, distribute, sublicense,
   and/or sell copies of the Software, and to permit persons to whom the
   Software is furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.  IN NO EVENT SHALL
   THE AUTHORS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
   IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
   CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

*/

package configparser

/* Configuration file format:
 *
 * '#' indicates comment, rest of line is ignored.
 * <line> := <keyword> |
 *           <keyword> <whitespace> <value> |
 *           <keyword> <whitespace> <value> *(<whitespace> <option>)
 * <keyword> ::= <string>
 * <value> ::= <string> | <hexnumber> | <number> | <quoted>
 * <option> ::= <string> | <string> '=' <value>
 * <quoted> ::= '"' *(<letter> | <whitespace>) '"'
 *
 * Keywords register a handler before the file is read, normally from an
 * init function. The handler receives the keyword value and whatever
 * options followed it.
 */

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"
)

// One option following the keyword value.
type Option struct {
	Name     string // Name of option.
	EqualOpt string // Value of string after =.
}

// Handler kinds.
const (
	TypeSwitch  = 1 + iota // Keyword stands alone on its line.
	TypeValue              // Keyword takes one value.
	TypeOptions            // Keyword takes a value plus options.
)

type keywordDef struct {
	handle func(value string, options []Option) error
	ty     int
}

var keywords = map[string]keywordDef{}

var lineNumber int

// Register a bare switch keyword. Called from init functions.
func RegisterSwitch(name string, fn func(string, []Option) error) {
	keywords[strings.ToUpper(name)] = keywordDef{handle: fn, ty: TypeSwitch}
}

// Register a keyword taking a single value. Called from init functions.
func RegisterValue(name string, fn func(string, []Option) error) {
	keywords[strings.ToUpper(name)] = keywordDef{handle: fn, ty: TypeValue}
}

// Register a keyword taking a value plus trailing options. Called from
// init functions.
func RegisterOptions(name string, fn func(string, []Option) error) {
	keywords[strings.ToUpper(name)] = keywordDef{handle: fn, ty: TypeOptions}
}

// Current option line being parsed.
type optionLine struct {
	line string // Current option line.
	pos  int    // Current position in line.
}

// Load in a configuration file.
func LoadConfigFile(name string) error {
	file, err := os.Open(name)
	if err != nil {
		return err
	}
	defer file.Close()

	lineNumber = 0
	reader := bufio.NewReader(file)
	for {
		var err error

		line := optionLine{}
		line.line, err = reader.ReadString('\n')
		lineNumber++
		if len(line.line) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if err := line.parseLine(); err != nil {
			return err
		}
	}
	return nil
}

// Parse a decimal or 0x prefixed number out of a value string.
func ParseNumber(value string) (int, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(strings.ToLower(value), "0x") {
		num, err := strconv.ParseInt(value[2:], 16, 32)
		return int(num), err
	}
	num, err := strconv.ParseInt(value, 10, 32)
	return int(num), err
}

// Parse one line from file.
func (line *optionLine) parseLine() error {
	line.skipSpace()
	if line.isEOL() {
		return nil
	}

	keyword := strings.ToUpper(line.parseWord())
	def, ok := keywords[keyword]
	if !ok {
		return fmt.Errorf("unknown keyword %s, line: %d", keyword, lineNumber)
	}

	switch def.ty {
	case TypeSwitch:
		line.skipSpace()
		if !line.isEOL() {
			return fmt.Errorf("switch %s followed by options, line: %d", keyword, lineNumber)
		}
		return line.wrap(def.handle("", nil))

	case TypeValue:
		value := line.parseValue()
		if value == "" {
			return fmt.Errorf("keyword %s requires a value, line: %d", keyword, lineNumber)
		}
		line.skipSpace()
		if !line.isEOL() {
			return fmt.Errorf("keyword %s takes one value, line: %d", keyword, lineNumber)
		}
		return line.wrap(def.handle(value, nil))

	case TypeOptions:
		value := line.parseValue()
		if value == "" {
			return fmt.Errorf("keyword %s requires a value, line: %d", keyword, lineNumber)
		}
		options, err := line.parseOptions()
		if err != nil {
			return err
		}
		return line.wrap(def.handle(value, options))
	}
	return nil
}

func (line *optionLine) wrap(err error) error {
	if err != nil {
		return fmt.Errorf("line %d: %w", lineNumber, err)
	}
	return nil
}

// Skip forward over line until none whitespace character found.
func (line *optionLine) skipSpace() {
	for {
		if line.pos >= len(line.line) {
			return
		}
		if unicode.IsSpace(rune(line.line[line.pos])) {
			line.pos++
			continue
		}
		return
	}
}

// Check if at end of line.
func (line *optionLine) isEOL() bool {
	if line.pos >= len(line.line) {
		return true
	}
	return line.line[line.pos] == '#'
}

// Collect a run of letters, digits and filename or address characters.
// The colon keeps host:port values in one word.
func (line *optionLine) parseWord() string {
	line.skipSpace()
	start := line.pos
	for !line.isEOL() {
		by := rune(line.line[line.pos])
		if unicode.IsLetter(by) || unicode.IsNumber(by) ||
			by == '.' || by == '/' || by == '_' || by == '-' || by == ':' {
			line.pos++
			continue
		}
		break
	}
	return line.line[start:line.pos]
}

// Collect a value, which may be quoted to include spaces.
func (line *optionLine) parseValue() string {
	line.skipSpace()
	if line.pos < len(line.line) && line.line[line.pos] == '"' {
		line.pos++
		start := line.pos
		for line.pos < len(line.line) && line.line[line.pos] != '"' {
			line.pos++
		}
		value := line.line[start:line.pos]
		if line.pos < len(line.line) {
			line.pos++
		}
		return value
	}
	return line.parseWord()
}

// Collect remaining options of form name or name=value.
func (line *optionLine) parseOptions() ([]Option, error) {
	options := []Option{}
	for {
		line.skipSpace()
		if line.isEOL() {
			return options, nil
		}
		name := line.parseWord()
		if name == "" {
			return nil, fmt.Errorf("malformed option, line: %d", lineNumber)
		}
		opt := Option{Name: strings.ToUpper(name)}
		if line.pos < len(line.line) && line.line[line.pos] == '=' {
			line.pos++
			opt.EqualOpt = line.parseValue()
			if opt.EqualOpt == "" {
				return nil, fmt.Errorf("option %s missing value, line: %d", name, lineNumber)
			}
		}
		options = append(options, opt)
	}
}
