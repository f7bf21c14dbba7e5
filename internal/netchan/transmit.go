package netchan

import (
	"time"

	"github.com/pkg/errors"

	"github.com/fenrir-net/netchan/internal/fragment"
	"github.com/fenrir-net/netchan/pkg/bitbuffer"
)

// Transmit sends data as the channel's unreliable payload for this packet,
// folding in retransmission or continuation of the reliable stream as
// needed. A zero-length payload still produces a packet -- reliable
// delivery and fragment draining depend on packets going out on a
// schedule, not on the caller having anything new to say.
func (c *Channel) Transmit(hc *HostContext, data []byte) error {
	return c.TransmitBits(hc, len(data)*8, data)
}

// TransmitBits is Transmit with an explicit bit length, for callers that
// have already packed a partial final byte.
func (c *Channel) TransmitBits(hc *HostContext, lengthBits int, data []byte) error {
	if c.Message.Overflowed() {
		return ErrMessageOverflow
	}
	now := hc.now()

	// if the remote side dropped our last reliable message, resend it
	sendReliable := false
	sendResending := false
	if c.IncomingAcknowledged > c.LastReliableSequence && c.IncomingReliableAcknowledged != c.ReliableSequence {
		sendReliable = true
		sendResending = true
	}

	// if the reliable buffer is empty, pull in the next thing to send --
	// the pending message, a queued fragment, or both
	if c.ReliableLen == 0 {
		if c.prepareReliable(hc) {
			sendReliable = true
		}
	}

	sendReliableFragment := c.streams[StreamNormal].reliableFragment || c.streams[StreamFile].reliableFragment

	send := bitbuffer.New("netchan-send", NetMaxPayload)

	w1 := c.OutgoingSequence
	if sendReliable {
		w1 |= 1 << 31
	}
	w2 := c.IncomingSequence
	if c.IncomingReliableSequence != 0 {
		w2 |= 1 << 31
	}
	if sendReliable && sendReliableFragment {
		w1 |= 1 << 30
	}
	c.OutgoingSequence++

	send.WriteLong(w1)
	send.WriteLong(w2)

	if c.Role == RoleClient {
		send.WriteWord(c.QPort)
	}

	if sendReliable && sendReliableFragment {
		for i := range c.streams {
			st := &c.streams[i]
			if st.reliableFragment {
				send.WriteByte(1)
				send.WriteLong(st.reliableFragID)
				send.WriteLong(uint32(st.fragStartPos))
				send.WriteLong(uint32(st.fragLength))
			} else {
				send.WriteByte(0)
			}
		}
	}

	// copy the reliable message to the packet first
	if sendReliable {
		send.WriteBits(c.reliableBuf.Data(), c.ReliableLen)
		c.LastReliableSequence = c.OutgoingSequence - 1
	}

	// is there room for the unreliable payload?
	maxSendSize := FragmentMaxSize << 3
	if !sendResending || c.IsLocal() {
		maxSendSize = send.MaxBits()
	}
	if maxSendSize-send.NumBitsWritten() >= lengthBits {
		send.WriteBits(data, lengthBits)
	}

	// pad packets that are too small for some networks, unless loopback
	if send.NumBytesWritten() < minPacketSize && !c.IsLocal() {
		for send.NumBytesWritten() < minPacketSize {
			send.WriteByte(svcNop)
		}
	}

	c.FlowOutgoing.Record(send.NumBytesWritten(), now)
	c.FlowOutgoing.Update(now)

	if hc.Sender != nil {
		if err := hc.Sender.SendPacket(c.Remote, send.Data()); err != nil {
			return errors.Wrap(err, "send packet")
		}
	}

	rate := 1.0 / float64(c.Rate)
	if c.ClearTime.Before(now) {
		c.ClearTime = now
	}
	delay := time.Duration(float64(send.NumBytesWritten()+UDPHeaderSize) * rate * float64(time.Second))
	c.ClearTime = c.ClearTime.Add(delay)

	return nil
}

// prepareReliable assembles this round's reliable payload -- the
// unfragmented message buffer, a continuation chunk from each stream's
// active fragment group, or both -- into reliableBuf, and reports whether
// it found anything to send (it toggles ReliableSequence, and the caller
// marks the packet reliable, only when this is true; otherwise any still-unacked
// reliable payload from a previous round is left untouched and is resent
// only once the ack pattern confirms it was lost).
func (c *Channel) prepareReliable(hc *HostContext) bool {
	fragSize := MaxMsgLen
	if c.IsLocal() {
		fragSize = NetMaxPayload - MaxMsgLen
	}
	if c.Message.NumBytesWritten() > fragSize {
		c.createFragmentsFromBuffer(StreamNormal, c.Message)
		c.Message.Clear()
	}
	c.fragSend()

	var sendFromFrag [MaxStreams]bool
	for i := range c.streams {
		if c.streams[i].active != nil {
			sendFromFrag[i] = true
		}
	}

	// stall the regular payload behind a normal-stream fragment in flight
	sendFromRegular := c.Message.NumBytesWritten() > 0
	if sendFromRegular && sendFromFrag[StreamNormal] {
		sendFromRegular = false
		if c.Message.NumBytesWritten() > MaxReliablePayload {
			c.createFragmentsFromBuffer(StreamNormal, c.Message)
			c.Message.Clear()
		}
	}

	for i := range c.streams {
		st := &c.streams[i]
		st.fragStartPos = 0
		st.reliableFragment = false
		st.reliableFragID = 0
		st.fragLength = 0
	}

	if !sendFromRegular && !sendFromFrag[StreamNormal] && !sendFromFrag[StreamFile] {
		return false
	}
	c.ReliableSequence ^= 1

	c.reliableBuf.Clear()
	c.ReliableLen = 0

	if sendFromRegular {
		c.reliableBuf.WriteBits(c.Message.Data(), c.Message.NumBitsWritten())
		c.ReliableLen = c.Message.NumBitsWritten()
		c.Message.Clear()
		for i := range c.streams {
			c.streams[i].fragStartPos = c.ReliableLen
		}
	}

	for i := range c.streams {
		st := &c.streams[i]
		if !sendFromFrag[i] || st.active == nil {
			continue
		}
		c.appendActiveFragment(hc, st, i)
	}
	return true
}

func (c *Channel) appendActiveFragment(hc *HostContext, st *streamState, streamIdx int) {
	group := st.active
	pbuf := group.Fragments[0]

	fragmentSize := pbuf.Payload.NumBytesWritten()
	if pbuf.IsFile && !pbuf.IsBuffer {
		fragmentSize = pbuf.Size
	}
	if c.ReliableLen+fragmentSize >= MaxReliablePayload {
		return
	}

	st.reliableFragID = fragment.MakeID(fragment.GetID(pbuf.BufferID), uint32(group.Count))

	if pbuf.IsFile && !pbuf.IsBuffer && hc.Files != nil {
		if chunk, err := hc.Files.ReadAt(pbuf.Filename, pbuf.FOffset, pbuf.Size); err == nil {
			pbuf.Payload.WriteBits(chunk, pbuf.Size<<3)
		}
	}

	c.reliableBuf.WriteBits(pbuf.Payload.Data(), pbuf.Payload.NumBitsWritten())
	st.fragLength = pbuf.Payload.NumBitsWritten()
	c.ReliableLen += st.fragLength
	st.reliableFragment = true

	group.Fragments = group.Fragments[1:]
	if len(group.Fragments) == 0 {
		st.active = nil
	}

	for j := streamIdx + 1; j < int(MaxStreams); j++ {
		c.streams[j].fragStartPos += st.fragLength
	}
}
