package wifi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/espgw/at"
)

// securityLabels indexes the encryption method reported by a scan.
var securityLabels = []string{"OPEN", "WEP", "WPA PSK", "WPA2 PSK", "WPA WPA2 PSK", "WPA2-EAP"}

func securityLabel(ecn int) string {
	if ecn < 0 || ecn >= len(securityLabels) {
		return "UNKNOWN"
	}
	return securityLabels[ecn]
}

// joinFailures describes the code of a "+CWJAP:<code>" reply.
var joinFailures = map[int]string{
	1: "connection timeout",
	2: "wrong password",
	3: "cannot find the target AP",
	4: "connection failed",
}

func unquote(field string) (string, error) {
	var s string
	if err := json.Unmarshal([]byte(strings.TrimSpace(field)), &s); err != nil {
		return "", err
	}
	return s, nil
}

// parseNetwork parses `+CWLAP:(<ecn>,"<ssid>",<rssi>,"<mac>",<channel>...)`.
// Newer firmware appends more fields, which are ignored.
func parseNetwork(line string) (Network, error) {
	body := strings.TrimPrefix(line, at.RespScan)
	body = strings.TrimSuffix(strings.TrimPrefix(body, "("), ")")

	fields := strings.Split(body, ",")
	if len(fields) < 5 {
		return Network{}, fmt.Errorf("expected at least 5 fields, got %d", len(fields))
	}

	var (
		n   Network
		err error
	)
	ecn, err := strconv.Atoi(fields[0])
	if err != nil {
		return Network{}, fmt.Errorf("security: %w", err)
	}
	n.Security = securityLabel(ecn)
	if n.SSID, err = unquote(fields[1]); err != nil {
		return Network{}, fmt.Errorf("ssid: %w", err)
	}
	if n.RSSI, err = strconv.Atoi(fields[2]); err != nil {
		return Network{}, fmt.Errorf("rssi: %w", err)
	}
	if n.BSSID, err = unquote(fields[3]); err != nil {
		return Network{}, fmt.Errorf("bssid: %w", err)
	}
	if n.Channel, err = strconv.Atoi(fields[4]); err != nil {
		return Network{}, fmt.Errorf("channel: %w", err)
	}
	return n, nil
}

// parseAssociation parses `+CWJAP:"<ssid>","<bssid>",<channel>,<rssi>`.
// A payload of at most one character is a failure code, not an
// association, and yields nil.
func parseAssociation(line string) (*Association, error) {
	payload := strings.TrimPrefix(line, at.RespJoin)
	if len(payload) <= 1 {
		return nil, nil
	}

	fields := strings.Split(payload, ",")
	if len(fields) < 2 {
		return nil, fmt.Errorf("expected at least 2 fields, got %d", len(fields))
	}

	var (
		a   Association
		err error
	)
	if a.SSID, err = unquote(fields[0]); err != nil {
		return nil, fmt.Errorf("ssid: %w", err)
	}
	if a.BSSID, err = unquote(fields[1]); err != nil {
		return nil, fmt.Errorf("bssid: %w", err)
	}
	if len(fields) >= 4 {
		a.Channel, _ = strconv.Atoi(fields[2])
		a.RSSI, _ = strconv.Atoi(fields[3])
	}
	return &a, nil
}

// joinFailure returns the reason carried by a "+CWJAP:<code>" line among
// the reply lines of a failed join.
func joinFailure(lines []string) string {
	for _, line := range lines {
		code, ok := strings.CutPrefix(line, at.RespJoin)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(code)
		if err != nil {
			continue
		}
		if reason, ok := joinFailures[n]; ok {
			return reason
		}
		return fmt.Sprintf("code %d", n)
	}
	return ""
}

// quotedValue returns the unquoted value after prefix, e.g. the address
// of `+CIFSR:STAIP,"192.168.1.5"`.
func quotedValue(line, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return "", false
	}
	v, err := unquote(rest)
	if err != nil {
		return "", false
	}
	return v, true
}
