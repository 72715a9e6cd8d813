package at

import (
	"fmt"
	"strings"
)

const (
	// Terminal Control
	CRLF   = "\r\n"
	Prompt = "> "

	// Response Codes
	OK       = "OK"
	ERROR    = "ERROR"
	FAIL     = "FAIL"
	SendOK   = "SEND OK"
	SendFail = "SEND FAIL"
	Unlink   = "UNLINK"
	Ready    = "ready"

	// URCs (Unsolicited Result Codes)
	UrcFrame           = "+IPD,"
	UrcWifiConnected   = "WIFI CONNECTED"
	UrcWifiGotIP       = "WIFI GOT IP"
	UrcWifiDisconnect  = "WIFI DISCONNECT"
	UrcLinkConnect     = "CONNECT"
	UrcLinkClosed      = "CLOSED"
	UrcLinkConnectFail = "CONNECT FAIL"

	// Reply prefixes
	RespScan        = "+CWLAP:"
	RespJoin        = "+CWJAP:"
	RespStationIP   = "+CIFSR:STAIP,"
	RespStationMAC  = "+CIFSR:STAMAC,"
	RespStationAddr = "+CIPSTA:"
	RespLinkStatus  = "+CIPSTATUS:"
	RespDNS         = "+CIPDNS_CUR:"
)

// Commands
const (
	CmdAt          = "AT"
	CmdEchoOff     = "ATE0"
	CmdReset       = "AT+RST"
	CmdStationMode = "AT+CWMODE=1"
	CmdMultiplex   = "AT+CIPMUX=1"
	CmdScan        = "AT+CWLAP"
	CmdJoinQuery   = "AT+CWJAP?"
	CmdQuit        = "AT+CWQAP"
	CmdAddresses   = "AT+CIFSR"
	CmdStationAddr = "AT+CIPSTA?"
	CmdLinkStatus  = "AT+CIPSTATUS"
	CmdServerStop  = "AT+CIPSERVER=0"
	CmdDNSQuery    = "AT+CIPDNS_CUR?"
)

var (
	DefaultTerminators = []string{OK, ERROR, FAIL}
	CloseTerminators   = []string{Unlink, OK, ERROR}
	PrepareTerminators = []string{Prompt, ERROR, FAIL}
	SendTerminators    = []string{SendOK, SendFail, ERROR}
	ResetTerminators   = []string{Ready, ERROR}
)

type ResponseType int

const (
	TypeData   ResponseType = iota // Reply lines (+CWLAP: ..., OK, echoes)
	TypeURC                        // Asynchronous notifications
	TypePrompt                     // Raw data input prompt
)

// URC identifies the kind of an unsolicited notification.
type URC int

const (
	URCNone URC = iota
	URCFrame
	URCLinkConnect
	URCLinkClosed
	URCLinkConnectFail
	URCWifiConnected
	URCWifiGotIP
	URCWifiDisconnect
	// Address reports seen outside any command
	URCStationIP
	URCStationMAC
)

var urcNames = [...]string{"none", "frame", "link-connect", "link-closed", "link-connect-fail", "wifi-connected", "wifi-got-ip", "wifi-disconnect", "station-ip", "station-mac"}

func (u URC) String() string {
	if int(u) < len(urcNames) {
		return urcNames[u]
	}
	return fmt.Sprintf("URC(%d)", int(u))
}

// Quote wraps s in double quotes, escaping the characters the firmware
// treats as separators.
func Quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', ',', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func CmdJoin(ssid, password string) string {
	return "AT+CWJAP=" + Quote(ssid) + "," + Quote(password)
}

func CmdStart(linkID int, proto, addr string, port int) string {
	return fmt.Sprintf("AT+CIPSTART=%d,%s,%s,%d", linkID, Quote(proto), Quote(addr), port)
}

func CmdClose(linkID int) string {
	return fmt.Sprintf("AT+CIPCLOSE=%d", linkID)
}

func CmdServerStart(port int) string {
	return fmt.Sprintf("AT+CIPSERVER=1,%d", port)
}

func CmdSend(linkID, n int) string {
	return fmt.Sprintf("AT+CIPSEND=%d,%d", linkID, n)
}

// IsTerminator reports whether line ends a command accepting the given
// terminator set.
func IsTerminator(line string, terminators []string) bool {
	for _, t := range terminators {
		if line == t {
			return true
		}
	}
	return false
}
