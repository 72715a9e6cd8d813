package netdev

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"i4.energy/across/espgw/at"
	"i4.energy/across/espgw/modem"
)

// Write sends data on the link of fd in segments of at most MaxSegment
// bytes. Each segment is one exchange: the send prompt, the raw bytes,
// then SEND OK. Segments go out strictly in order and the first failure
// aborts the rest.
//
// Writes are serialized device-wide: a second Write, on any socket, waits
// until every segment of the first has resolved.
func (d *Device) Write(ctx context.Context, fd int, data []byte) error {
	d.mu.Lock()
	s, ok := d.lookupLocked(fd)
	link := NoLink
	if ok {
		link = s.linkID
	}
	d.mu.Unlock()

	if !ok {
		return d.record(ErrBadFileDescriptor)
	}
	if link == NoLink {
		return d.record(fmt.Errorf("%w: socket %d has no link", ErrCommunication, fd))
	}
	if len(data) == 0 {
		return d.record(nil)
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	i := 0
	for segment := range slices.Chunk(data, MaxSegment) {
		if err := d.sendSegment(ctx, link, segment); err != nil {
			d.logger.Debug("Write aborted", "fd", fd, "link", link, "segment", i, "error", err)
			return d.record(fmt.Errorf("segment %d: %w", i, err))
		}
		i++
	}
	return d.record(nil)
}

// sendSegment issues CIPSEND and the segment as one exchange, so nothing
// else reaches the device while it sits in raw data mode.
func (d *Device) sendSegment(ctx context.Context, link int, segment []byte) error {
	reply, err := d.cmd.Exec(ctx, modem.Command{
		Line:    at.CmdSend(link, len(segment)),
		Payload: segment,
	})
	if err != nil {
		return exchangeErr(err)
	}
	if reply.Result != at.SendOK {
		return fmt.Errorf("%w: send answered %q", ErrCommunication, reply.Result)
	}
	return nil
}

func exchangeErr(err error) error {
	if errors.Is(err, modem.ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimedOut, err)
	}
	return fmt.Errorf("%w: %w", ErrCommunication, err)
}
