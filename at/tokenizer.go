package at

import (
	"bufio"
	"bytes"
	"errors"
	"strconv"
	"strings"
)

const (
	// MaxFrameHeader bounds the "+IPD,<id>,<len>[,<ip>,<port>]:" header.
	MaxFrameHeader = 48
	// MaxFramePayload bounds the declared length of a single data frame.
	// Larger declarations are treated as line noise so a misbehaving peer
	// cannot make the reader buffer without limit.
	MaxFramePayload = 8192
)

var errBadFrame = errors.New("malformed frame header")

// Splitter is used for tokenizing ESP8266 AT output. It uses the
// signature of bufio.SplitFunc so it can be directly used with
// bufio.Scanner.
//
// It splits the input by CRLF line endings, recognizes the raw data
// prompt ("> ") and reassembles "+IPD" data frames: a frame is returned
// as a single token only once its header and the declared number of
// payload bytes are buffered, whatever CRLFs the payload contains. Until
// then Splitter asks for more data and leaves the buffer untouched, and
// everything after a completed frame stays buffered for the next call,
// so pipelined frames and frames split across reads come out identical.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match data frame
	if n, complete, isFrame := frameLen(data); isFrame {
		if complete {
			return n, data[:n], nil
		}
		if !atEOF {
			return 0, nil, nil
		}
	}

	// 2. Match raw data prompt
	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	// 3. Match standard line ending with CRLF
	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// frameLen reports whether data starts with a (possibly partial) data
// frame, and if the frame is complete, its total length.
func frameLen(data []byte) (n int, complete, isFrame bool) {
	marker := []byte(UrcFrame)
	if len(data) < len(marker) {
		return 0, false, bytes.HasPrefix(marker, data)
	}
	if !bytes.HasPrefix(data, marker) {
		return 0, false, false
	}

	head := data
	if len(head) > MaxFrameHeader {
		head = head[:MaxFrameHeader]
	}
	colon := bytes.IndexByte(head, ':')
	if colon < 0 {
		if len(head) == MaxFrameHeader || bytes.ContainsAny(head, CRLF) {
			return 0, false, false
		}
		return 0, false, true
	}

	_, length, err := parseFrameHeader(string(data[len(marker):colon]))
	if err != nil {
		return 0, false, false
	}
	total := colon + 1 + length
	if len(data) < total {
		return 0, false, true
	}
	return total, true, true
}

func parseFrameHeader(fields string) (linkID, length int, err error) {
	parts := strings.Split(fields, ",")
	lengthField := parts[0]
	if len(parts) > 1 {
		if linkID, err = strconv.Atoi(parts[0]); err != nil || linkID < 0 {
			return 0, 0, errBadFrame
		}
		lengthField = parts[1]
	}
	length, err = strconv.Atoi(lengthField)
	if err != nil || length < 0 || length > MaxFramePayload {
		return 0, 0, errBadFrame
	}
	return linkID, length, nil
}

// ParseFrame extracts the link id and payload of a complete data frame
// token. Single-connection frames ("+IPD,<len>:") belong to link 0.
func ParseFrame(token []byte) (linkID int, payload []byte, ok bool) {
	n, complete, isFrame := frameLen(token)
	if !isFrame || !complete {
		return 0, nil, false
	}
	colon := bytes.IndexByte(token, ':')
	linkID, _, err := parseFrameHeader(string(token[len(UrcFrame):colon]))
	if err != nil {
		return 0, nil, false
	}
	return linkID, token[colon+1 : n], true
}

// Event is a classified token read from the device.
type Event struct {
	Type ResponseType
	URC  URC
	// Line is the token text, trimmed, for everything but data frames.
	Line string
	// LinkID is set for frame and link notifications.
	LinkID int
	// Payload holds the raw bytes of a data frame.
	Payload []byte
}

// Classify identifies the nature of the modem output
func Classify(token []byte) Event {
	if string(token) == Prompt {
		return Event{Type: TypePrompt, Line: Prompt}
	}

	if bytes.HasPrefix(token, []byte(UrcFrame)) {
		if id, payload, ok := ParseFrame(token); ok {
			return Event{Type: TypeURC, URC: URCFrame, LinkID: id, Payload: bytes.Clone(payload)}
		}
	}

	line := strings.TrimSpace(string(token))

	// Direct matches
	switch line {
	case UrcWifiConnected:
		return Event{Type: TypeURC, URC: URCWifiConnected, Line: line}
	case UrcWifiGotIP:
		return Event{Type: TypeURC, URC: URCWifiGotIP, Line: line}
	case UrcWifiDisconnect:
		return Event{Type: TypeURC, URC: URCWifiDisconnect, Line: line}
	}

	if id, kind, ok := parseLinkNotice(line); ok {
		return Event{Type: TypeURC, URC: kind, Line: line, LinkID: id}
	}
	return Event{Type: TypeData, Line: line}
}

// Unsolicited reclassifies a reply line that arrived while no command was
// pending. Station address reports are notifications in that position;
// inside an AT+CIFSR exchange the same lines are reply lines.
func Unsolicited(ev Event) (Event, bool) {
	if ev.Type != TypeData {
		return ev, false
	}
	switch {
	case strings.HasPrefix(ev.Line, RespStationIP):
		return Event{Type: TypeURC, URC: URCStationIP, Line: ev.Line}, true
	case strings.HasPrefix(ev.Line, RespStationMAC):
		return Event{Type: TypeURC, URC: URCStationMAC, Line: ev.Line}, true
	}
	return ev, false
}

// parseLinkNotice matches "<id>,CONNECT", "<id>,CLOSED" and
// "<id>,CONNECT FAIL".
func parseLinkNotice(line string) (int, URC, bool) {
	idField, rest, found := strings.Cut(line, ",")
	if !found || idField == "" || len(idField) > 2 {
		return 0, URCNone, false
	}
	id, err := strconv.Atoi(idField)
	if err != nil || id < 0 {
		return 0, URCNone, false
	}
	switch rest {
	case UrcLinkConnect:
		return id, URCLinkConnect, true
	case UrcLinkClosed:
		return id, URCLinkClosed, true
	case UrcLinkConnectFail:
		return id, URCLinkConnectFail, true
	}
	return 0, URCNone, false
}
