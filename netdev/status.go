package netdev

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/espgw/at"
	"i4.energy/across/espgw/modem"
)

type linkStatus struct {
	linkID     int
	remoteAddr string
	remotePort int
	localPort  int
}

// parseLinkStatus parses `+CIPSTATUS:<id>,"<type>","<remote ip>",<remote port>,<local port>,<tetype>`.
func parseLinkStatus(line string) (linkStatus, error) {
	fields := strings.Split(strings.TrimPrefix(line, at.RespLinkStatus), ",")
	if len(fields) < 6 {
		return linkStatus{}, fmt.Errorf("expected 6 fields, got %d", len(fields))
	}

	var (
		st  linkStatus
		err error
	)
	if st.linkID, err = strconv.Atoi(fields[0]); err != nil {
		return linkStatus{}, fmt.Errorf("link id: %w", err)
	}
	if err = json.Unmarshal([]byte(fields[2]), &st.remoteAddr); err != nil {
		return linkStatus{}, fmt.Errorf("remote address: %w", err)
	}
	if st.remotePort, err = strconv.Atoi(fields[3]); err != nil {
		return linkStatus{}, fmt.Errorf("remote port: %w", err)
	}
	if st.localPort, err = strconv.Atoi(fields[4]); err != nil {
		return linkStatus{}, fmt.Errorf("local port: %w", err)
	}
	return st, nil
}

// Status queries the firmware for its open links and refreshes the
// addresses of the sockets owning them. It returns the whole table.
// Unparseable status lines are logged and skipped.
func (d *Device) Status(ctx context.Context) ([]Socket, error) {
	reply, err := d.cmd.Exec(ctx, modem.Command{Line: at.CmdLinkStatus})
	if err != nil {
		return nil, d.record(fmt.Errorf("%w: %w", ErrIO, err))
	}
	if !reply.OK() {
		return nil, d.record(fmt.Errorf("%w: status answered %q", ErrIO, reply.Result))
	}

	ip := d.iface.IP()

	d.mu.Lock()
	for _, line := range reply.Lines {
		if !strings.HasPrefix(line, at.RespLinkStatus) {
			continue
		}
		st, err := parseLinkStatus(line)
		if err != nil {
			d.logger.Warn("Malformed link status", "line", line, "error", err)
			continue
		}
		if s := d.byLinkLocked(st.linkID); s != nil {
			s.remoteAddr = st.remoteAddr
			s.remotePort = st.remotePort
			s.localAddr = ip
			s.localPort = st.localPort
		}
	}
	sockets := d.socketsLocked()
	d.mu.Unlock()

	return sockets, d.record(nil)
}
