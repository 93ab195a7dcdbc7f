// Package fudi encodes messages in FUDI, the plain-text protocol Pure Data
// speaks on [netreceive] sockets: space separated atoms ending in ';'.
package fudi

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Atomer lets a type choose its own wire form.
type Atomer interface {
	FUDI() string
}

// Atom renders one argument. Numbers use their shortest exact form
// (440, 0.04), bools become 1 or 0, and ';' is escaped.
func Atom(v any) string {
	var s string
	switch x := v.(type) {
	case Atomer:
		s = x.FUDI()
	case string:
		s = x
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case int32:
		s = strconv.FormatInt(int64(x), 10)
	case uint:
		s = strconv.FormatUint(uint64(x), 10)
	case uint64:
		s = strconv.FormatUint(x, 10)
	case uint32:
		s = strconv.FormatUint(uint64(x), 10)
	case float64:
		s = strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(x), 'g', -1, 32)
	case bool:
		if x {
			s = "1"
		} else {
			s = "0"
		}
	case fmt.Stringer:
		s = x.String()
	default:
		s = fmt.Sprint(x)
	}
	return strings.ReplaceAll(s, ";", `\;`)
}

// Encode serializes args into one message, including the terminating ';'.
func Encode(args ...any) []byte {
	var b bytes.Buffer
	for i, a := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(Atom(a))
	}
	b.WriteByte(';')
	return b.Bytes()
}

// Split cuts complete messages off the front of data. Each message is
// returned without its ';' and with surrounding whitespace trimmed; empty
// messages are dropped. rest holds an unterminated tail.
func Split(data []byte) (msgs [][]byte, rest []byte) {
	start := 0
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\\':
			i++ // skip the escaped byte
		case ';':
			if m := bytes.TrimSpace(data[start:i]); len(m) > 0 {
				msgs = append(msgs, m)
			}
			start = i + 1
		}
	}
	if start < len(data) {
		rest = data[start:]
	}
	return msgs, rest
}

// Fields splits one message into atoms, keeping escaped separators inside
// their atom and removing the escapes.
func Fields(msg []byte) []string {
	var (
		out []string
		cur strings.Builder
		in  bool
	)
	flush := func() {
		if in {
			out = append(out, cur.String())
			cur.Reset()
			in = false
		}
	}
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		switch {
		case c == '\\' && i+1 < len(msg):
			i++
			cur.WriteByte(msg[i])
			in = true
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush()
		default:
			cur.WriteByte(c)
			in = true
		}
	}
	flush()
	return out
}
