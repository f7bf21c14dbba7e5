package netchan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenrir-net/netchan/internal/fragment"
	"github.com/fenrir-net/netchan/pkg/bitbuffer"
)

type testAddr struct {
	name     string
	loopback bool
}

func (a testAddr) Equal(o Addr) bool {
	other, ok := o.(testAddr)
	return ok && other.name == a.name
}
func (a testAddr) IsLoopback() bool { return a.loopback }
func (a testAddr) String() string   { return a.name }

// captureSender records every datagram handed to it instead of touching a
// real socket, and can optionally drop the next N sends to simulate loss.
type captureSender struct {
	sent [][]byte
	drop int
}

func (s *captureSender) SendPacket(addr Addr, data []byte) error {
	if s.drop > 0 {
		s.drop--
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *captureSender) last() []byte { return s.sent[len(s.sent)-1] }

type memFS struct {
	files map[string][]byte
}

func newMemFS() *memFS { return &memFS{files: map[string][]byte{}} }

func (m *memFS) ReadAt(filename string, offset, size int) ([]byte, error) {
	d := m.files[filename]
	return d[offset : offset+size], nil
}
func (m *memFS) Size(filename string) (int, error) { return len(m.files[filename]), nil }
func (m *memFS) Exists(filename string) bool       { _, ok := m.files[filename]; return ok }
func (m *memFS) WriteFile(filename string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.files[filename] = cp
	return nil
}

func newPairHost(sender Sender, fs *memFS) *HostContext {
	now := time.Unix(1000, 0)
	return &HostContext{
		Sender: sender,
		Files:  fs,
		Sink:   fs,
		Now:    func() time.Time { return now },
	}
}

func newTestChannel(role Role) *Channel {
	return Setup(role, testAddr{name: "peer"}, 12345, DefaultRate, nil)
}

// deliverUntilReady drives a full client->server->client ack round trip
// repeatedly until the server's stream has reassembled a complete group --
// the channel's stop-and-wait reliable design requires the sender's ack to
// come back before the next fragment is queued.
func deliverUntilReady(t *testing.T, client, server *Channel, clientHC, serverHC *HostContext, clientAddr, serverAddr Addr) {
	t.Helper()
	clientSender := clientHC.Sender.(*captureSender)
	for !server.IncomingReady() {
		require.NoError(t, client.Transmit(clientHC, nil))
		_, _, err := server.Process(serverHC, clientAddr, clientSender.last())
		require.NoError(t, err)

		ackSender := &captureSender{}
		ackHC := &HostContext{Sender: ackSender, Now: serverHC.Now}
		require.NoError(t, server.Transmit(ackHC, nil))
		_, _, err = client.Process(clientHC, serverAddr, ackSender.last())
		require.NoError(t, err)
	}
}

func TestSmallReliableExchange(t *testing.T) {
	client := newTestChannel(RoleClient)
	sender := &captureSender{}
	hc := newPairHost(sender, newMemFS())

	client.Message.WriteString("hello")
	require.NoError(t, client.Transmit(hc, nil))

	pkt := sender.last()
	w1 := uint32(pkt[0]) | uint32(pkt[1])<<8 | uint32(pkt[2])<<16 | uint32(pkt[3])<<24
	assert.Equal(t, uint32(1)|(1<<31), w1, "first packet is seq 1 with the reliable bit set")
	w2 := uint32(pkt[4]) | uint32(pkt[5])<<8 | uint32(pkt[6])<<16 | uint32(pkt[7])<<24
	assert.Equal(t, uint32(0), w2)

	server := newTestChannel(RoleServer)
	server.Remote = testAddr{name: "client"}
	_, ok, err := server.Process(hc, testAddr{name: "client"}, pkt)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), server.IncomingReliableSequence)

	// server acks back
	serverSender := &captureSender{}
	hcServer := newPairHost(serverSender, newMemFS())
	require.NoError(t, server.Transmit(hcServer, nil))
	ackPkt := serverSender.last()

	_, _, err = client.Process(hc, testAddr{name: "peer"}, ackPkt)
	require.NoError(t, err)
	assert.Equal(t, 0, client.ReliableLen, "reliable payload cleared once acked")

	sender.sent = nil
	require.NoError(t, client.Transmit(hc, nil))
	pkt2 := sender.last()
	w1b := uint32(pkt2[0]) | uint32(pkt2[1])<<8 | uint32(pkt2[2])<<16 | uint32(pkt2[3])<<24
	assert.Equal(t, uint32(0), w1b>>31, "no reliable bit once acked and nothing new queued")
}

func TestReliableRetransmitOnDrop(t *testing.T) {
	client := newTestChannel(RoleClient)
	sender := &captureSender{}
	hc := newPairHost(sender, newMemFS())

	client.Message.WriteString("hello")
	require.NoError(t, client.Transmit(hc, nil))
	first := append([]byte(nil), sender.last()...)

	// B's reply never arrives; pretend A receives an unrelated later ack
	// that does NOT cover the reliable sequence, forcing a resend.
	client.IncomingAcknowledged = client.OutgoingSequence
	client.IncomingReliableAcknowledged = client.ReliableSequence ^ 1

	require.NoError(t, client.Transmit(hc, nil))
	second := sender.last()

	assert.NotEqual(t, first[0:4], second[0:4], "sequence advances")
	assert.Equal(t, first[8:], second[8:], "reliable bytes are identical on resend")
}

func TestNormalFragmentation(t *testing.T) {
	client := newTestChannel(RoleClient)
	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	msg := bitbuffer.New("big-message", len(payload)+16)
	msg.WriteBits(payload, len(payload)*8)
	client.CreateFragments(msg)

	group := client.streams[StreamNormal].waitlist.PopFront()
	require.NotNil(t, group)
	expectedFrags := (4000 + FragmentMaxSize/2 - 1) / (FragmentMaxSize / 2)
	assert.Equal(t, expectedFrags, group.Count)
	client.streams[StreamNormal].waitlist.Push(group)

	sender := &captureSender{}
	hc := newPairHost(sender, newMemFS())

	server := newTestChannel(RoleServer)
	server.Remote = testAddr{name: "client"}
	hcServer := newPairHost(&captureSender{}, newMemFS())

	deliverUntilReady(t, client, server, hc, hcServer, testAddr{name: "client"}, testAddr{name: "peer"})

	out, ok, err := server.CopyNormalFragments()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, out.Data()[:4000])
}

func TestFileTransfer(t *testing.T) {
	client := newTestChannel(RoleClient)
	fsClient := newMemFS()
	data := make([]byte, 50000)
	for i := range data {
		data[i] = byte(i % 256)
	}
	fsClient.files["maps/foo.bsp"] = data

	sender := &captureSender{}
	hc := newPairHost(sender, fsClient)

	ok, err := client.CreateFileFragments(hc, "maps/foo.bsp")
	require.NoError(t, err)
	require.True(t, ok)

	server := newTestChannel(RoleServer)
	server.Remote = testAddr{name: "client"}
	fsServer := newMemFS()
	hcServer := newPairHost(&captureSender{}, fsServer)

	deliverUntilReady(t, client, server, hc, hcServer, testAddr{name: "client"}, testAddr{name: "peer"})

	name, ok, err := server.CopyFileFragments(hcServer)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "maps/foo.bsp", name)
	assert.Equal(t, data, fsServer.files["maps/foo.bsp"])

	// second transfer of the same file over the same connection is refused
	// without overwriting
	ok, err = client.CreateFileFragments(hc, "maps/foo.bsp")
	require.NoError(t, err)
	require.True(t, ok)

	deliverUntilReady(t, client, server, hc, hcServer, testAddr{name: "client"}, testAddr{name: "peer"})
	name2, ok2, err2 := server.CopyFileFragments(hcServer)
	assert.True(t, ok2)
	assert.Equal(t, "maps/foo.bsp", name2)
	assert.ErrorIs(t, err2, ErrFileReject)
	assert.Equal(t, data, fsServer.files["maps/foo.bsp"], "existing file left untouched")
}

func TestPathTraversalRejected(t *testing.T) {
	client := newTestChannel(RoleClient)
	fsClient := newMemFS()
	fsClient.files["../etc/passwd"] = []byte("root:x:0:0:root:/root:/bin/bash\ndaemon:x:1:1::/usr/sbin:/usr/sbin/nologin\n")
	sender := &captureSender{}
	hc := newPairHost(sender, fsClient)

	ok, err := client.CreateFileFragments(hc, "../etc/passwd")
	require.NoError(t, err)
	require.True(t, ok)

	server := newTestChannel(RoleServer)
	server.Remote = testAddr{name: "client"}
	fsServer := newMemFS()
	hcServer := newPairHost(&captureSender{}, fsServer)

	for !server.IncomingReady() {
		require.NoError(t, client.Transmit(hc, nil))
		_, _, perr := server.Process(hcServer, testAddr{name: "client"}, sender.last())
		require.NoError(t, perr)

		// stop-and-wait: the client only moves on to the next fragment once
		// the server's ack for the current one has come back
		ackSender := &captureSender{}
		ackHC := &HostContext{Sender: ackSender, Now: hcServer.Now}
		require.NoError(t, server.Transmit(ackHC, nil))
		_, _, perr = client.Process(hc, testAddr{name: "peer"}, ackSender.last())
		require.NoError(t, perr)
	}

	name, ok, err := server.CopyFileFragments(hcServer)
	assert.Equal(t, "", name)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrFileReject)
	assert.Empty(t, fsServer.files)
}

func TestOutOfOrderDrop(t *testing.T) {
	server := newTestChannel(RoleServer)
	server.Remote = testAddr{name: "client"}
	server.IncomingSequence = 4

	hc := &HostContext{Now: func() time.Time { return time.Unix(1, 0) }}

	mkPacket := func(seq uint32) []byte {
		var buf [10]byte
		buf[0] = byte(seq)
		buf[1] = byte(seq >> 8)
		buf[2] = byte(seq >> 16)
		buf[3] = byte(seq >> 24)
		// ack word left at 0; qport word trailing zero
		return buf[:]
	}

	_, ok, err := server.Process(hc, testAddr{name: "client"}, mkPacket(5))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(5), server.IncomingSequence)

	_, ok, err = server.Process(hc, testAddr{name: "client"}, mkPacket(7))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(7), server.IncomingSequence)
	assert.Equal(t, 1, hc.LastDrop)

	_, ok, err = server.Process(hc, testAddr{name: "client"}, mkPacket(6))
	assert.ErrorIs(t, err, ErrSequenceDrop)
	assert.False(t, ok)
	assert.Equal(t, uint32(7), server.IncomingSequence, "rejected packet does not move the cursor")

	_, ok, err = server.Process(hc, testAddr{name: "client"}, mkPacket(8))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(8), server.IncomingSequence)
	assert.Equal(t, 0, hc.LastDrop)
}

func TestCopyNormalFragmentsReportsReassemblyGap(t *testing.T) {
	c := newTestChannel(RoleServer)
	st := &c.streams[StreamNormal]

	// Two fragments land for a group whose count is 2, but the second one
	// arrives carrying id 3 instead of 2 -- the reassembly is still
	// complete (two fragments received) but internally inconsistent,
	// mirroring Netchan_CheckForCompletion's id != c gap detection.
	f1 := st.incoming.FindByID(fragment.MakeID(1, 2), true)
	f1.Payload.WriteBits([]byte{0xAA}, 8)
	f2 := st.incoming.FindByID(fragment.MakeID(3, 2), true)
	f2.Payload.WriteBits([]byte{0xBB}, 8)

	complete, gap, _ := st.incoming.CheckCompletion(2)
	require.True(t, complete)
	require.True(t, gap)
	st.ready = true
	st.gap = gap

	out, ok, err := c.CopyNormalFragments()
	require.True(t, ok)
	require.NotNil(t, out)
	assert.ErrorIs(t, err, ErrReassemblyGap)

	// draining resets the gap flag along with readiness
	assert.False(t, st.ready)
	assert.False(t, st.gap)
}

func TestClearTimeAdvancesAfterTransmit(t *testing.T) {
	client := newTestChannel(RoleClient)
	client.Rate = 1000
	sender := &captureSender{}
	now := time.Unix(2000, 0)
	hc := &HostContext{Sender: sender, Now: func() time.Time { return now }}

	before := client.ClearTime
	require.NoError(t, client.Transmit(hc, []byte("x")))
	assert.True(t, client.ClearTime.After(before) || client.ClearTime.Equal(before))
	assert.True(t, !client.ClearTime.Before(now))
}
