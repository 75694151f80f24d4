package turn

import (
	"encoding/binary"
	"net"
	"time"

	gturn "github.com/gortc/turn"
	"github.com/pkg/errors"
)

// DefaultChannelRangeStart and DefaultChannelRangeEnd bound the
// channel numbers this client allocates from, per RFC 5766 Section 11.
const (
	DefaultChannelRangeStart = 0x4000
	DefaultChannelRangeEnd   = 0x7FFE
)

// channelRefreshMargin refreshes a binding before the server's 10
// minute channel lifetime elapses.
const channelRefreshMargin = 1 * time.Minute
const channelLifetime = 10 * time.Minute

type channelBinding struct {
	number   uint16
	peerIP   net.IP
	bound    bool
	lastSend time.Time
}

// channelSet owns the rotating channel-number cursor and the
// peer<->channel mapping for one Ready allocation.
type channelSet struct {
	start, end uint16
	cursor     uint16

	byPeer    map[string]*channelBinding
	byChannel map[uint16]*channelBinding
}

func newChannelSet(start, end uint16) *channelSet {
	if start == 0 && end == 0 {
		start, end = DefaultChannelRangeStart, DefaultChannelRangeEnd
	}
	return &channelSet{
		start: start, end: end, cursor: start,
		byPeer:    make(map[string]*channelBinding),
		byChannel: make(map[uint16]*channelBinding),
	}
}

var errChannelRangeExhausted = errors.New("turn: no free channel number in configured range")

// allocate reserves the next free channel number for peerIP using a
// rotating cursor, or returns the peer's existing binding if one
// already exists.
func (s *channelSet) allocate(peerIP net.IP) (*channelBinding, error) {
	if b, ok := s.byPeer[peerIP.String()]; ok {
		return b, nil
	}
	span := int(s.end) - int(s.start) + 1
	for i := 0; i < span; i++ {
		n := s.cursor
		s.cursor++
		if s.cursor > s.end {
			s.cursor = s.start
		}
		if _, taken := s.byChannel[n]; taken {
			continue
		}
		b := &channelBinding{number: n, peerIP: peerIP}
		s.byPeer[peerIP.String()] = b
		s.byChannel[n] = b
		return b, nil
	}
	return nil, errChannelRangeExhausted
}

func (s *channelSet) byChannelNumber(n uint16) (*channelBinding, bool) {
	b, ok := s.byChannel[n]
	return b, ok
}

func (s *channelSet) markBound(number uint16, at time.Time) {
	if b, ok := s.byChannel[number]; ok {
		b.bound = true
		b.lastSend = at
	}
}

func (s *channelSet) needsRefresh(now time.Time) []*channelBinding {
	var due []*channelBinding
	for _, b := range s.byChannel {
		if b.bound && now.Sub(b.lastSend) > channelLifetime-channelRefreshMargin {
			due = append(due, b)
		}
	}
	return due
}

func (s *channelSet) count() int {
	n := 0
	for _, b := range s.byChannel {
		if b.bound {
			n++
		}
	}
	return n
}

// channelDataHeaderSize is the 4-byte channel-data header: 2-byte
// channel number, 2-byte length (RFC 5766 Section 11.4). Not exported
// by github.com/gortc/turn, which only frames an already-sized buffer.
const channelDataHeaderSize = 4

// encodeChannelData frames payload for channel per RFC 5766 Section
// 11.4 using github.com/gortc/turn's own ChannelData for the header
// and length fields, then pads to a 4-byte boundary on every transport:
// TCP needs this, UDP does not but receivers tolerate it since length
// is authoritative, and github.com/gortc/turn's Encode does not pad on
// its own.
func encodeChannelData(channel uint16, payload []byte) []byte {
	cd := gturn.ChannelData{Data: payload, Number: gturn.ChannelNumber(channel)}
	cd.Encode()
	padded := (len(payload) + 3) &^ 3
	out := make([]byte, channelDataHeaderSize+padded)
	copy(out, cd.Raw)
	return out
}

// decodeChannelDataFrame parses one length-prefixed, 4-byte-aligned
// channel-data frame from the front of buf, via
// github.com/gortc/turn's ChannelData.Decode. ok is false if buf does
// not yet contain a complete frame; consumed is how many bytes of buf
// the frame (including padding) occupied.
func decodeChannelDataFrame(buf []byte) (channel uint16, payload []byte, consumed int, ok bool) {
	if len(buf) < channelDataHeaderSize {
		return 0, nil, 0, false
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	padded := (length + 3) &^ 3
	total := channelDataHeaderSize + padded
	if len(buf) < total {
		return 0, nil, 0, false
	}
	cd := gturn.ChannelData{Raw: append([]byte(nil), buf[:channelDataHeaderSize+length]...)}
	if err := cd.Decode(); err != nil {
		return 0, nil, 0, false
	}
	return uint16(cd.Number), append([]byte(nil), cd.Data...), total, true
}
