package netchan

import (
	"github.com/pkg/errors"

	"github.com/fenrir-net/netchan/internal/fragment"
	"github.com/fenrir-net/netchan/pkg/bitbuffer"
)

// chunkSize picks the per-fragment payload size: the caller's override, or
// half the wire chunk cap by default, widened to the full payload cap for a
// loopback peer (no MTU to respect).
func (c *Channel) chunkSize() int {
	size := FragmentMaxSize / 2
	if c.BlockSize != nil {
		size = c.BlockSize()
	}
	if c.IsLocal() {
		size = NetMaxPayload
	}
	return size
}

// CreateFragments splits msg into chunkSize()-sized fragments queued on the
// normal stream's waitlist. Any reliable payload already pending in the
// channel's unfragmented message buffer is queued ahead of it -- reliable
// data always goes out in the order it was written.
func (c *Channel) CreateFragments(msg *bitbuffer.Buffer) {
	if c.Message.NumBytesWritten() > 0 {
		c.createFragmentsFromBuffer(StreamNormal, c.Message)
		c.Message.Clear()
	}
	c.createFragmentsFromBuffer(StreamNormal, msg)
}

func (c *Channel) createFragmentsFromBuffer(stream Stream, msg *bitbuffer.Buffer) {
	if msg.NumBytesWritten() == 0 {
		return
	}
	chunkBits := c.chunkSize() << 3
	remaining := msg.NumBitsWritten()
	pos := 0

	var frags []*fragment.Fragment
	for remaining > 0 {
		bits := remaining
		if bits > chunkBits {
			bits = chunkBits
		}
		remaining -= bits

		f := fragment.NewFragment()
		f.Payload.WriteBits(extractBits(msg, pos, bits), bits)
		frags = append(frags, f)
		pos += bits
	}
	assignIDs(frags)
	c.streams[stream].waitlist.Push(&fragment.Group{Fragments: frags, Count: len(frags)})
}

// CreateFileFragmentsFromBuffer queues an in-memory byte slice as a file
// transfer: the first fragment carries a length-prefixed filename header
// ahead of its share of the data, matching the wire layout a receiver's
// CopyFileFragments expects.
func (c *Channel) CreateFileFragmentsFromBuffer(filename string, data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := c.fileChunkSize()
	frags := buildFileFragments(filename, len(data), chunk, func(f *fragment.Fragment, send, pos int) {
		f.IsBuffer = true
		f.Payload.WriteBits(data[pos:pos+send], send<<3)
	})
	c.streams[StreamFile].waitlist.Push(&fragment.Group{Fragments: frags, Count: len(frags)})
}

// CreateFileFragments queues a disk-backed file transfer: fragment payloads
// other than the filename header are read lazily, right before each one is
// sent, via the host's FileSource.
func (c *Channel) CreateFileFragments(hc *HostContext, filename string) (bool, error) {
	if hc.Files == nil {
		return false, errors.New("netchan: no file source configured")
	}
	size, err := hc.Files.Size(filename)
	if err != nil {
		return false, errors.Wrap(err, "stat file for transfer")
	}
	if size <= 0 {
		return false, nil
	}
	chunk := c.fileChunkSize()
	frags := buildFileFragments(filename, size, chunk, func(f *fragment.Fragment, send, pos int) {
		f.Filename = filename
	})
	c.streams[StreamFile].waitlist.Push(&fragment.Group{Fragments: frags, Count: len(frags)})
	return true, nil
}

func (c *Channel) fileChunkSize() int {
	if c.BlockSize != nil {
		return c.BlockSize()
	}
	return FragmentMaxSize / 2
}

// buildFileFragments handles the chunking loop shared by the disk-backed and
// buffer-backed variants: the first fragment gets the filename header
// written ahead of it and a correspondingly smaller data share.
func buildFileFragments(filename string, total, chunk int, fill func(f *fragment.Fragment, send, pos int)) []*fragment.Fragment {
	var frags []*fragment.Fragment
	remaining := total
	pos := 0
	first := true
	for remaining > 0 {
		send := remaining
		if send > chunk {
			send = chunk
		}
		f := fragment.NewFragment()
		if first {
			first = false
			f.Payload.WriteString(filename)
			send -= f.Payload.NumBytesWritten()
		}
		f.IsFile = true
		f.FOffset = pos
		f.Size = send
		fill(f, send, pos)
		pos += send
		remaining -= send
		frags = append(frags, f)
	}
	assignIDs(frags)
	return frags
}

func assignIDs(frags []*fragment.Fragment) {
	for i, f := range frags {
		f.BufferID = fragment.MakeID(uint32(i+1), uint32(len(frags)))
	}
}

// fragSend promotes the oldest waiting group into the active send slot for
// any stream that is currently idle.
func (c *Channel) fragSend() {
	for i := range c.streams {
		st := &c.streams[i]
		if st.active != nil {
			continue
		}
		if g := st.waitlist.PopFront(); g != nil {
			st.active = g
		}
	}
}

// extractBits copies nbits bits starting at startBit out of msg without
// disturbing its own read cursor.
func extractBits(msg *bitbuffer.Buffer, startBit, nbits int) []byte {
	var tmp bitbuffer.Buffer
	tmp.StartReading(msg.Data(), msg.NumBytesWritten(), msg.NumBitsWritten(), startBit)
	dst := make([]byte, (nbits+7)/8)
	tmp.ReadBits(dst, nbits)
	return dst
}
