package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Encode and decode the modem's NMEA style sentences.
 *
 * Description:	A sentence looks like
 *
 *			$CACYC,1,0,1,2,0,3*HH<CR><LF>
 *
 *		HH is the XOR of every character between '$' and '*',
 *		as two hex digits.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"strconv"
	"strings"
)

type Message struct {
	Type   string
	Params []string
}

func NewMessage(kind string, params ...any) Message {
	var m = Message{Type: kind, Params: make([]string, 0, len(params))}
	for _, p := range params {
		switch v := p.(type) {
		case bool:
			m.Params = append(m.Params, IfThenElse(v, "1", "0"))
		default:
			m.Params = append(m.Params, fmt.Sprint(v))
		}
	}

	return m
}

func nmeaChecksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}

	return sum
}

func (m Message) body() string {
	if len(m.Params) == 0 {
		return m.Type
	}

	return m.Type + "," + strings.Join(m.Params, ",")
}

func (m Message) String() string {
	return "$" + m.body()
}

// Encode returns the sentence with checksum and line ending, ready to write.
func (m Message) Encode() []byte {
	var b = m.body()

	return fmt.Appendf(nil, "$%s*%02X\r\n", b, nmeaChecksum(b))
}

// Param returns parameter i or "" if there are not that many.
func (m Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}

	return m.Params[i]
}

func (m Message) IntParam(i int) (int, error) {
	var v, err = strconv.Atoi(strings.TrimSpace(m.Param(i)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s field %d %q", ErrMalformed, m.Type, i, m.Param(i))
	}

	return v, nil
}

func (m Message) BoolParam(i int) (bool, error) {
	var v, err = m.IntParam(i)

	return v == 1, err
}

/*-------------------------------------------------------------------
 *
 * Name:	ParseMessage
 *
 * Purpose:	Turn one line from the modem into a Message.
 *
 * Inputs:	line	- With or without trailing CR/LF.
 *
 * Returns:	ErrMalformed if it isn't a sentence at all, ErrChecksum if
 *		the checksum doesn't match.  A sentence without a checksum
 *		is accepted as is.
 *
 *--------------------------------------------------------------------*/

func ParseMessage(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")

	var start = strings.IndexByte(line, '$')
	if start < 0 {
		return Message{}, fmt.Errorf("%w: no '$' in %q", ErrMalformed, line)
	}
	line = line[start+1:]

	var body, sum, hasSum = strings.Cut(line, "*")
	if hasSum {
		var want, err = strconv.ParseUint(strings.TrimSpace(sum), 16, 8)
		if err != nil {
			return Message{}, fmt.Errorf("%w: bad checksum field %q", ErrMalformed, sum)
		}

		if byte(want) != nmeaChecksum(body) {
			return Message{}, fmt.Errorf("%w: %q", ErrChecksum, line)
		}
	}

	var fields = strings.Split(body, ",")
	if len(fields[0]) < 2 {
		return Message{}, fmt.Errorf("%w: no sentence type in %q", ErrMalformed, line)
	}

	return Message{Type: fields[0], Params: fields[1:]}, nil
}
