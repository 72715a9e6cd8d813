package at_test

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"i4.energy/across/espgw/at"
)

func scanAll(t *testing.T, r io.Reader) []string {
	t.Helper()
	var tokens []string
	scanner := bufio.NewScanner(r)
	scanner.Split(at.Splitter)

	for scanner.Scan() {
		tokens = append(tokens, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		t.Fatalf("Scanner error: %v", err)
	}
	return tokens
}

func TestSplitter(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "Simple AT command response",
			input:    "AT+CWMODE=1\r\n\r\nOK\r\n",
			expected: []string{"AT+CWMODE=1", "", "OK"},
		},
		{
			name:     "Send prompt after OK",
			input:    "\r\nOK\r\n> ",
			expected: []string{"", "OK", "> "},
		},
		{
			name:     "Scan listing mixed with URC",
			input:    "+CWLAP:(3,\"niklaus\",-49,\"90:9f:33:d3:04:be\",11)\r\nWIFI DISCONNECT\r\nOK\r\n",
			expected: []string{"+CWLAP:(3,\"niklaus\",-49,\"90:9f:33:d3:04:be\",11)", "WIFI DISCONNECT", "OK"},
		},
		{
			name:     "Data frame with CRLF in payload",
			input:    "+IPD,0,12:GET /\r\n\r\nabc\r\n",
			expected: []string{"+IPD,0,12:GET /\r\n\r\nabc", ""},
		},
		{
			name:     "Pipelined frames",
			input:    "+IPD,0,5:hello+IPD,1,5:world",
			expected: []string{"+IPD,0,5:hello", "+IPD,1,5:world"},
		},
		{
			name:     "Frame followed by close notification",
			input:    "+IPD,1,3:abc1,CLOSED\r\n",
			expected: []string{"+IPD,1,3:abc", "1,CLOSED"},
		},
		{
			name:     "Single connection frame",
			input:    "+IPD,4:ping",
			expected: []string{"+IPD,4:ping"},
		},
		{
			name:     "Send sequence",
			input:    "\r\nRecv 5 bytes\r\n\r\nSEND OK\r\n",
			expected: []string{"", "Recv 5 bytes", "", "SEND OK"},
		},
		// EOF and malformed scenarios
		{
			name:     "Truncated frame at EOF",
			input:    "+IPD,0,10:abc",
			expected: []string{"+IPD,0,10:abc"},
		},
		{
			name:     "Oversized frame length is a plain line",
			input:    "+IPD,0,99999:x\r\nOK\r\n",
			expected: []string{"+IPD,0,99999:x", "OK"},
		},
		{
			name:     "Frame header broken by CRLF",
			input:    "+IPD,0\r\nOK\r\n",
			expected: []string{"+IPD,0", "OK"},
		},
		{
			name:     "Partial marker at EOF",
			input:    "OK\r\n+IP",
			expected: []string{"OK", "+IP"},
		},
		{
			name:     "Partial prompt at EOF",
			input:    "OK\r\n>",
			expected: []string{"OK", ">"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := scanAll(t, strings.NewReader(tt.input))

			if len(tokens) != len(tt.expected) {
				t.Fatalf("Expected %d tokens, got %d.\nExpected: %q\nGot: %q",
					len(tt.expected), len(tokens), tt.expected, tokens)
			}

			for i, expected := range tt.expected {
				if tokens[i] != expected {
					t.Errorf("Token %d: expected %q, got %q", i, expected, tokens[i])
				}
			}
		})
	}
}

func TestSplitterReassemblyIsSplitIndependent(t *testing.T) {
	stream := "0,CONNECT\r\n\r\n+IPD,0,18:GET / HTTP/1.1\r\n\r\n" +
		"+IPD,0,6:a\r\nb\r\n+IPD,1,3:xyz\r\nOK\r\n0,CLOSED\r\n"

	whole := scanAll(t, strings.NewReader(stream))

	readers := map[string]func() io.Reader{
		"one byte":   func() io.Reader { return iotest.OneByteReader(strings.NewReader(stream)) },
		"half reads": func() io.Reader { return iotest.HalfReader(strings.NewReader(stream)) },
		"data err":   func() io.Reader { return iotest.DataErrReader(strings.NewReader(stream)) },
	}
	for name, newReader := range readers {
		t.Run(name, func(t *testing.T) {
			got := scanAll(t, newReader())
			if len(got) != len(whole) {
				t.Fatalf("expected %q, got %q", whole, got)
			}
			for i := range whole {
				if got[i] != whole[i] {
					t.Errorf("token %d: expected %q, got %q", i, whole[i], got[i])
				}
			}
		})
	}

	var frames [][]byte
	for _, tok := range whole {
		if ev := at.Classify([]byte(tok)); ev.URC == at.URCFrame {
			frames = append(frames, ev.Payload)
		}
	}
	want := []string{"GET / HTTP/1.1\r\n\r\n", "a\r\nb\r\n", "xyz"}
	if len(frames) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(frames))
	}
	for i := range want {
		if !bytes.Equal(frames[i], []byte(want[i])) {
			t.Errorf("frame %d: expected %q, got %q", i, want[i], frames[i])
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		typ     at.ResponseType
		urc     at.URC
		linkID  int
		payload string
	}{
		// Reply lines
		{name: "OK response", input: "OK", typ: at.TypeData},
		{name: "SEND OK response", input: "SEND OK", typ: at.TypeData},
		{name: "Scan entry", input: `+CWLAP:(3,"niklaus",-49,"90:9f:33:d3:04:be",11)`, typ: at.TypeData},
		{name: "Link status", input: `+CIPSTATUS:0,"TCP","10.0.0.2",80,5000,0`, typ: at.TypeData},
		{name: "Busy", input: "busy p...", typ: at.TypeData},
		{name: "Incomplete frame", input: "+IPD,0,9:ab", typ: at.TypeData},
		{name: "Unknown link keyword", input: "0,CONNECTED", typ: at.TypeData},

		// URCs
		{name: "Data frame", input: "+IPD,2,3:abc", typ: at.TypeURC, urc: at.URCFrame, linkID: 2, payload: "abc"},
		{name: "Frame with remote info", input: "+IPD,3,2,192.168.0.9,5000:hi", typ: at.TypeURC, urc: at.URCFrame, linkID: 3, payload: "hi"},
		{name: "Link connect", input: "0,CONNECT", typ: at.TypeURC, urc: at.URCLinkConnect},
		{name: "Link closed", input: "4,CLOSED\r", typ: at.TypeURC, urc: at.URCLinkClosed, linkID: 4},
		{name: "Link connect fail", input: "1,CONNECT FAIL", typ: at.TypeURC, urc: at.URCLinkConnectFail, linkID: 1},
		{name: "Associated", input: "WIFI CONNECTED", typ: at.TypeURC, urc: at.URCWifiConnected},
		{name: "Got IP", input: "WIFI GOT IP", typ: at.TypeURC, urc: at.URCWifiGotIP},
		{name: "Disassociated", input: "WIFI DISCONNECT", typ: at.TypeURC, urc: at.URCWifiDisconnect},

		// Prompt
		{name: "Send prompt", input: "> ", typ: at.TypePrompt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := at.Classify([]byte(tt.input))
			if ev.Type != tt.typ {
				t.Errorf("Expected type %v, got %v for input %q", tt.typ, ev.Type, tt.input)
			}
			if ev.URC != tt.urc {
				t.Errorf("Expected URC %v, got %v for input %q", tt.urc, ev.URC, tt.input)
			}
			if ev.LinkID != tt.linkID {
				t.Errorf("Expected link %d, got %d for input %q", tt.linkID, ev.LinkID, tt.input)
			}
			if string(ev.Payload) != tt.payload {
				t.Errorf("Expected payload %q, got %q", tt.payload, ev.Payload)
			}
		})
	}
}

func TestUnsolicited(t *testing.T) {
	tests := []struct {
		input string
		urc   at.URC
		ok    bool
	}{
		{input: `+CIFSR:STAIP,"192.168.1.5"`, urc: at.URCStationIP, ok: true},
		{input: `+CIFSR:STAMAC,"5c:cf:7f:01:02:03"`, urc: at.URCStationMAC, ok: true},
		{input: "OK"},
		{input: `+CIPSTA:ip:"192.168.1.5"`},
		{input: "WIFI GOT IP", urc: at.URCWifiGotIP},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			ev, ok := at.Unsolicited(at.Classify([]byte(tt.input)))
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ev.URC != tt.urc {
				t.Errorf("expected URC %v, got %v", tt.urc, ev.URC)
			}
			if ok && (ev.Type != at.TypeURC || ev.Line != tt.input) {
				t.Errorf("unexpected event %+v", ev)
			}
		})
	}
}

func TestParseFrame(t *testing.T) {
	id, payload, ok := at.ParseFrame([]byte("+IPD,1,4:a:b,"))
	if !ok || id != 1 || string(payload) != "a:b," {
		t.Errorf("unexpected parse: id=%d payload=%q ok=%v", id, payload, ok)
	}

	id, payload, ok = at.ParseFrame([]byte("+IPD,3:abc"))
	if !ok || id != 0 || string(payload) != "abc" {
		t.Errorf("single connection frame: id=%d payload=%q ok=%v", id, payload, ok)
	}

	for _, bad := range []string{"+IPD,x,3:abc", "+IPD,0,3:ab", "+IPD,-1,1:a", "IPD,0,1:a"} {
		if _, _, ok := at.ParseFrame([]byte(bad)); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{at.CmdJoin("home", "secret"), `AT+CWJAP="home","secret"`},
		{at.CmdJoin("open", ""), `AT+CWJAP="open",""`},
		{at.CmdJoin(`a,"b"\`, "p"), `AT+CWJAP="a\,\"b\"\\","p"`},
		{at.CmdStart(0, "TCP", "192.168.0.11", 3000), `AT+CIPSTART=0,"TCP","192.168.0.11",3000`},
		{at.CmdClose(3), "AT+CIPCLOSE=3"},
		{at.CmdServerStart(80), "AT+CIPSERVER=1,80"},
		{at.CmdSend(0, 36), "AT+CIPSEND=0,36"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, tt.got)
		}
	}
}
