package turn

import (
	"time"

	"github.com/gortc/natcore/stun"
	"github.com/gortc/natcore/stunrequest"
)

// candidateWriteBufferSize and candidateReadBufferSize name a 64 KiB
// size for a TCP candidate's buffers. Nothing in this package enforces
// either: readBuf grows as needed and writes go straight to the
// Delegate. UDP candidates need no read/write buffering since datagram
// boundaries are preserved by the delegate's socket.
const (
	candidateWriteBufferSize = 64 * 1024
	candidateReadBufferSize  = 64 * 1024
)

type candidateState int

const (
	candidatePending candidateState = iota
	candidateActive
	candidateAllocated
	candidateClosed
)

// candidate is one server this Client is racing against the others:
// servers activate on a staggered schedule so a later candidate only
// starts its Allocate once an earlier one has had a chance to succeed
// first.
type candidate struct {
	server     Addr
	transport  Transport
	activateAt time.Time
	state      candidateState

	req *stunrequest.Requester

	// readBuf accumulates bytes for a TCP candidate until a complete
	// STUN message or channel-data frame is available; unused for UDP,
	// where the delegate already hands over whole datagrams.
	readBuf []byte

	// writeQueued and informedFull are reset by NotifyWriteReady;
	// nothing in this package sets them.
	writeQueued  int
	informedFull bool
}

func newCandidate(server Addr, transport Transport, activateAt time.Time) *candidate {
	return &candidate{server: server, transport: transport, activateAt: activateAt, state: candidatePending}
}

// appendRead appends newly received bytes to the candidate's read
// buffer (TCP only); consumeFrames extracts the complete frames.
func (c *candidate) appendRead(b []byte) {
	c.readBuf = append(c.readBuf, b...)
}

// consumeFrames repeatedly extracts complete frames from c.readBuf,
// invoking onSTUN for a STUN message and onChannelData for a framed
// channel-data payload, until no complete frame remains.
func (c *candidate) consumeFrames(onSTUN func(raw []byte), onChannelData func(channel uint16, payload []byte)) {
	for {
		if len(c.readBuf) == 0 {
			return
		}
		if stun.IsMessage(c.readBuf) {
			n, ok := stun.MessageLength(c.readBuf)
			if !ok {
				return
			}
			msg := c.readBuf[:n]
			c.readBuf = c.readBuf[n:]
			onSTUN(msg)
			continue
		}
		channel, payload, consumed, ok := decodeChannelDataFrame(c.readBuf)
		if !ok {
			return
		}
		c.readBuf = c.readBuf[consumed:]
		onChannelData(channel, payload)
	}
}
