package netchan

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"

	"github.com/fenrir-net/netchan/internal/fragment"
	"github.com/fenrir-net/netchan/pkg/bitbuffer"
)

// Process parses one inbound datagram already known to be from this
// channel's peer, updates sequence/ack/flow state, and -- for a packet
// carrying fragment descriptors -- excises each fragment's bits out of the
// stream and feeds them to the matching stream's reassembly store.
//
// It returns the remaining payload (the bits a fragmented packet didn't
// consume) along with ok=true for an accepted packet without fragments, and
// for a fragmented one when bits remain after fragment handling.
// ok=false with a nil error means the packet was valid and fully consumed
// by fragment handling; ok=false with a non-nil error means the packet was
// rejected (wrong address, stale/duplicate sequence, or a bad fragment
// descriptor) and nothing in the channel's state was touched beyond what
// was required to recognize the rejection.
func (c *Channel) Process(hc *HostContext, from Addr, raw []byte) (*bitbuffer.Buffer, bool, error) {
	if c.Remote != nil && from != nil && !from.Equal(c.Remote) {
		return nil, false, ErrWrongAddress
	}

	now := hc.now()

	msg := &bitbuffer.Buffer{}
	msg.StartReading(raw, len(raw), len(raw)*8, -1)

	seqWord, err := msg.ReadLong()
	if err != nil {
		return nil, false, errors.Wrap(err, "read sequence")
	}
	ackWord, err := msg.ReadLong()
	if err != nil {
		return nil, false, errors.Wrap(err, "read ack")
	}
	if c.Role == RoleServer {
		if _, err := msg.ReadWord(); err != nil {
			return nil, false, errors.Wrap(err, "read qport")
		}
	}

	reliableMessage := seqWord >> 31
	reliableAck := ackWord >> 31
	containsFragments := seqWord&(1<<30) != 0

	var fragMessage [MaxStreams]bool
	var fragID [MaxStreams]uint32
	var fragOffset [MaxStreams]int
	var fragLength [MaxStreams]int

	if containsFragments {
		for i := 0; i < int(MaxStreams); i++ {
			flag, err := msg.ReadByte()
			if err != nil {
				return nil, false, errors.Wrap(err, "read fragment flag")
			}
			if flag == 0 {
				continue
			}
			fragMessage[i] = true
			id, _ := msg.ReadLong()
			off, _ := msg.ReadLong()
			ln, _ := msg.ReadLong()
			fragID[i] = id
			fragOffset[i] = int(off)
			fragLength[i] = int(ln)
		}
		if !c.validate(msg, fragMessage, fragID, fragOffset, fragLength) {
			return nil, false, ErrValidationReject
		}
	}

	sequence := seqWord &^ (uint32(1) << 31) &^ (uint32(1) << 30)
	sequenceAck := ackWord &^ (uint32(1) << 31) &^ (uint32(1) << 30)

	// discard stale or duplicated packets
	if sequence <= c.IncomingSequence {
		return nil, false, ErrSequenceDrop
	}
	hc.LastDrop = int(sequence) - int(c.IncomingSequence) - 1
	c.LastReceived = now

	// if our last reliable send has been acknowledged, clear it to make
	// way for the next one
	if reliableAck == c.ReliableSequence && sequenceAck >= c.LastReliableSequence {
		c.ReliableLen = 0
	}

	c.IncomingSequence = sequence
	c.IncomingAcknowledged = sequenceAck
	c.IncomingReliableAcknowledged = reliableAck
	if reliableMessage != 0 {
		c.IncomingReliableSequence ^= 1
	}

	c.FlowIncoming.Record(msg.MaxBytes(), now)
	c.FlowIncoming.Update(now)

	if !containsFragments {
		return msg, true, nil
	}

	for i := 0; i < int(MaxStreams); i++ {
		if !fragMessage[i] {
			continue
		}
		st := &c.streams[i]
		totalBuffers := int(fragment.GetCount(fragID[i]))

		if fragID[i] != 0 {
			f := st.incoming.FindByID(fragID[i], true)
			curBit := msg.NumBitsRead() + fragOffset[i]
			f.Payload.Clear()
			f.Payload.WriteBits(extractBits(msg, curBit, fragLength[i]), fragLength[i])

			if complete, gap, _ := st.incoming.CheckCompletion(totalBuffers); complete {
				st.ready = true
				st.gap = gap
			}
		}

		// rearrange incoming data to not have the frag stuff in the middle of it
		oldPos := msg.NumBitsRead()
		curBit := msg.NumBitsRead() + fragOffset[i]
		msg.ExciseBits(curBit, fragLength[i])
		msg.SeekToBit(oldPos)

		for j := i + 1; j < int(MaxStreams); j++ {
			fragOffset[j] -= fragLength[i]
		}
	}

	if msg.NumBitsLeft() <= 0 {
		return msg, false, nil
	}
	return msg, true, nil
}

// validate guards Process's fragment path against descriptors that would
// read out of bounds or stomp a neighboring stream's fragment.
func (c *Channel) validate(msg *bitbuffer.Buffer, fragMessage [MaxStreams]bool, fragID [MaxStreams]uint32, fragOffset, fragLength [MaxStreams]int) bool {
	for i := 0; i < int(MaxStreams); i++ {
		if !fragMessage[i] {
			continue
		}
		if Stream(i) == StreamNormal && fragment.GetCount(fragID[i]) > MaxNormalFragments {
			return false
		}
		if Stream(i) == StreamFile && fragment.GetCount(fragID[i]) > MaxFileFragments {
			return false
		}
		if fragment.GetID(fragID[i]) > fragment.GetCount(fragID[i]) {
			return false
		}
		if fragLength[i] == 0 {
			return false
		}

		chunk := FragmentMaxSize
		if Stream(i) == StreamNormal && c.IsLocal() {
			chunk = NetMaxPayload
		}
		if bitByte(fragLength[i]) > chunk || bitByte(fragOffset[i]) > NetMaxPayload-1 {
			return false
		}

		fragEnd := fragOffset[i] + fragLength[i]
		if fragEnd+msg.NumBitsRead() > msg.MaxBits() {
			return false
		}
		for j := i + 1; j < int(MaxStreams); j++ {
			if fragEnd > fragOffset[j] && fragMessage[j] {
				return false
			}
		}
	}
	return true
}

func bitByte(bits int) int { return (bits + 7) / 8 }

// CopyNormalFragments drains a completed normal-stream reassembly into a
// single contiguous buffer, if one is ready. A non-nil ErrReassemblyGap
// alongside a valid buffer means the reassembly completed but its fragment
// ids didn't line up with their positions -- the stream is usable but
// internally inconsistent, per Netchan_CheckForCompletion's gap detection.
func (c *Channel) CopyNormalFragments() (*bitbuffer.Buffer, bool, error) {
	st := &c.streams[StreamNormal]
	if !st.ready {
		return nil, false, nil
	}
	if st.incoming.Len() == 0 {
		st.ready = false
		st.gap = false
		return nil, false, ErrLostFragment
	}

	out := bitbuffer.New("netchan-recv", NetMaxPayload)
	for _, f := range st.incoming.Items() {
		out.WriteBits(f.Payload.Data(), f.Payload.NumBitsWritten())
	}
	gap := st.gap
	st.incoming.Clear()
	st.ready = false
	st.gap = false
	if gap {
		return out, true, ErrReassemblyGap
	}
	return out, true, nil
}

// CopyFileFragments drains a completed file-stream reassembly, validating
// the embedded filename (non-empty, no parent-directory traversal) and
// refusing to clobber an existing file, then writes the reassembled bytes
// through the host's FileSink.
//
// For the "already exists" rejection it returns the filename with ok=true
// and err set, so the caller can log what was refused and why, matching the
// original engine, which discards that transfer but still reports success
// to the sender. An empty filename or one containing ".." returns "" with
// ok=false. A non-nil ErrReassemblyGap on an otherwise
// successful return means the reassembly completed but its fragment ids
// didn't line up with their positions, per Netchan_CheckForCompletion's gap
// detection; the rejection errors above take priority over reporting it.
func (c *Channel) CopyFileFragments(hc *HostContext) (filename string, ok bool, err error) {
	st := &c.streams[StreamFile]
	if !st.ready {
		return "", false, nil
	}
	items := st.incoming.Items()
	if len(items) == 0 {
		st.ready = false
		st.gap = false
		return "", false, ErrLostFragment
	}
	gap := st.gap

	first := items[0]
	name, rerr := first.Payload.ReadString()
	if rerr != nil || name == "" {
		c.flushIncoming(StreamFile)
		return "", false, errors.Wrap(ErrFileReject, "missing filename")
	}
	if strings.Contains(name, "..") {
		c.flushIncoming(StreamFile)
		return "", false, errors.Wrap(ErrFileReject, "path traversal")
	}
	c.IncomingFilename = name

	if hc.Sink != nil && hc.Sink.Exists(name) {
		c.flushIncoming(StreamFile)
		return name, true, errors.Wrap(ErrFileReject, "already exists")
	}

	var buf bytes.Buffer
	skip := first.Payload.NumBitsRead() / 8
	buf.Write(first.Payload.Data()[skip:])
	for _, f := range items[1:] {
		buf.Write(f.Payload.Data())
	}

	if hc.Sink != nil {
		if err := hc.Sink.WriteFile(name, buf.Bytes()); err != nil {
			c.flushIncoming(StreamFile)
			return name, false, errors.Wrap(err, "write file")
		}
	}

	c.flushIncoming(StreamFile)
	if gap {
		return name, true, ErrReassemblyGap
	}
	return name, true, nil
}

func (c *Channel) flushIncoming(stream Stream) {
	st := &c.streams[stream]
	st.incoming.Clear()
	st.ready = false
	st.gap = false
}

// UpdateProgress reports the best completion percentage across both
// streams, for a download progress indicator. It returns 0 when no file
// transfer is in flight in either direction.
func (c *Channel) UpdateProgress() float64 {
	if c.streams[StreamFile].incoming.Len() == 0 && c.streams[StreamFile].active == nil {
		return 0
	}

	best := 0.0
	for i := int(MaxStreams) - 1; i >= 0; i-- {
		st := &c.streams[i]
		if st.incoming.Len() > 0 {
			items := st.incoming.Items()
			total := int(fragment.GetCount(items[0].BufferID))
			if total > 0 {
				if pct := 100 * float64(len(items)) / float64(total); pct > best {
					best = pct
				}
			}
		} else if st.active != nil && st.active.Count > 0 {
			id := fragment.GetID(st.active.Fragments[0].BufferID)
			if pct := 100 * float64(id) / float64(st.active.Count); pct > best {
				best = pct
			}
		}
	}
	return best
}
