// Package netchan implements the reliable-with-fragmentation datagram
// channel: sequence-number management, a single-outstanding reliable
// message with parity-bit retransmit, two independent fragmented streams
// (oversized reliable messages and bulk file transfer), per-direction flow
// estimation, and the bandwidth choke that schedules sends.
//
// It is a direct translation of the engine's net_chan.c into idiomatic Go:
// explicit error returns instead of global diagnostics, an injected
// HostContext instead of process-wide singletons (net_from/net_message/
// net_drop/the memory pool), and a Channel that is mutated only by whichever
// goroutine currently owns it -- see package registry for how the server
// side hands channels between goroutines safely.
package netchan

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fenrir-net/netchan/internal/flow"
	"github.com/fenrir-net/netchan/internal/fragment"
	"github.com/fenrir-net/netchan/pkg/bitbuffer"
)

// Role distinguishes which end of the channel this process is.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Stream identifies one of the two independent fragmented streams.
type Stream int

const (
	StreamNormal Stream = iota
	StreamFile
	MaxStreams
)

// Protocol constants. Values fixed per DESIGN.md's Open Question resolution
// (the distilled spec leaves these implementation-defined).
const (
	FragmentMaxSize     = fragment.FragmentMaxSize
	NetMaxPayload       = 65536
	MaxMsgLen           = 1400
	MaxReliablePayload  = 1200
	UDPHeaderSize       = flow.UDPHeaderSize
	MaxNormalFragments  = 560
	MaxFileFragments    = 4096
	DefaultRate         = 9999
	minPacketSize       = 16
	svcNop              = 0
)

var (
	// ErrMessageOverflow is fatal to the channel at the transmit call that
	// discovers it: the caller must reset/recreate the channel.
	ErrMessageOverflow = errors.New("netchan: outgoing message overflow")
	// ErrSequenceDrop means the packet was a duplicate or stale arrival.
	ErrSequenceDrop = errors.New("netchan: duplicate or out-of-order packet")
	// ErrValidationReject means a fragment descriptor failed Validate.
	ErrValidationReject = errors.New("netchan: fragment descriptor rejected")
	// ErrWrongAddress means the datagram's source didn't match the channel.
	ErrWrongAddress = errors.New("netchan: packet source does not match channel")
	// ErrFileReject covers empty name, path traversal, or existing-file.
	ErrFileReject = errors.New("netchan: inbound file rejected")
	// ErrLostFragment means copy_*_fragments was called with an empty ready list.
	ErrLostFragment = errors.New("netchan: fragment list empty at finalize")
	// ErrReassemblyGap means a completed reassembly's fragment ids don't
	// match their positions: the stream is complete but internally
	// inconsistent. The client-role host loop should treat this as fatal
	// to the connection and queue a reconnect; the server side only logs it.
	ErrReassemblyGap = errors.New("netchan: reassembled stream has a fragment gap")
)

// Addr is the channel's view of a peer network address: opaque, but
// comparable for equality and able to answer whether it is loopback.
type Addr interface {
	Equal(Addr) bool
	IsLoopback() bool
	String() string
}

// BlockSizeFunc mirrors pfn_block_size: an optional per-peer override for
// the fragmentation chunk size (e.g. a slower client requesting smaller
// chunks). A nil func uses the default chunking rule.
type BlockSizeFunc func() int

// FileSource abstracts the filesystem collaborator for disk-backed file
// fragments, so the engine never imports os directly.
type FileSource interface {
	ReadAt(filename string, offset, size int) ([]byte, error)
	Size(filename string) (int, error)
}

// FileSink abstracts the filesystem collaborator for completed inbound file
// transfers.
type FileSink interface {
	Exists(filename string) bool
	WriteFile(filename string, data []byte) error
}

// Sender abstracts the UDP socket collaborator for outbound datagrams.
type Sender interface {
	SendPacket(addr Addr, data []byte) error
}

// HostContext is the explicit, caller-owned state that replaces the
// original engine's net_from/net_message/net_drop/memory-pool globals. It
// is passed by reference into every Engine entry point; a Channel borrows
// from it but never stores it.
type HostContext struct {
	Sender Sender
	Files  FileSource
	Sink   FileSink
	Now    func() time.Time

	// ShowDrop mirrors net_showdrop: when true, duplicate/stale/dropped
	// packets are reported (by the caller, via the returned diagnostics).
	ShowDrop bool
	// ChokeLoopback mirrors net_chokeloop: when true, loopback channels
	// are NOT exempted from the bandwidth choke.
	ChokeLoopback bool

	// LastDrop is net_drop: the gap size computed by the most recent
	// Process call, informational only.
	LastDrop int
}

func (hc *HostContext) now() time.Time {
	if hc.Now != nil {
		return hc.Now()
	}
	return time.Now()
}

type streamState struct {
	active   *fragment.Group
	waitlist fragment.Waitlist
	incoming fragment.Store
	ready    bool
	gap      bool

	reliableFragment bool
	reliableFragID   uint32
	fragStartPos     int
	fragLength       int
}

// Channel represents one peer relationship: the stateful endpoint that
// multiplexes reliable, unreliable, and fragmented data over a datagram
// socket to one peer.
type Channel struct {
	ID uuid.UUID

	Role      Role
	Remote    Addr
	QPort     uint16
	Rate      int
	BlockSize BlockSizeFunc

	ClearTime    time.Time
	LastReceived time.Time
	ConnectTime  time.Time

	IncomingSequence     uint32
	OutgoingSequence     uint32
	IncomingAcknowledged uint32

	ReliableSequence             uint32
	LastReliableSequence         uint32
	IncomingReliableSequence     uint32
	IncomingReliableAcknowledged uint32

	Message     *bitbuffer.Buffer
	reliableBuf *bitbuffer.Buffer
	ReliableLen int

	streams [MaxStreams]streamState

	FlowIncoming flow.Meter
	FlowOutgoing flow.Meter

	IncomingFilename string
}

// Setup initializes a fresh (zero-valued) Channel for use. Per DESIGN.md's
// resolution of the original's "Clear runs before zeroing" quirk, Setup
// always starts from Go's zero value and never calls Clear on a brand new
// Channel -- Clear is only meaningful (and only called) on reuse.
func Setup(role Role, remote Addr, qport uint16, rate int, blockSize BlockSizeFunc) *Channel {
	if rate <= 0 {
		rate = DefaultRate
	}
	c := &Channel{
		ID:               uuid.New(),
		Role:             role,
		Remote:           remote,
		QPort:            qport,
		Rate:             rate,
		BlockSize:        blockSize,
		OutgoingSequence: 1,
	}
	c.Message = bitbuffer.New("netchan-message", MaxMsgLen*4)
	c.reliableBuf = bitbuffer.New("netchan-reliable", MaxReliablePayload*2)
	now := time.Now()
	c.LastReceived = now
	c.ConnectTime = now
	c.ClearTime = now
	return c
}

// Clear releases every fragment in every list and waitlist, flushes
// reassembly state, and resets the channel's buffers -- but never its
// identity (Role/Remote/QPort) or sequence counters, matching the original
// engine's "clear does not touch the peer identity" contract.
func (c *Channel) Clear() {
	for s := range c.streams {
		st := &c.streams[s]
		st.active = nil
		st.waitlist = fragment.Waitlist{}
		st.incoming.Clear()
		st.ready = false
		st.gap = false
		st.reliableFragment = false
		st.reliableFragID = 0
		st.fragStartPos = 0
		st.fragLength = 0
	}
	c.Message.Clear()
	c.reliableBuf.Clear()
	c.ReliableLen = 0
}

// IsLocal reports whether this channel's peer is loopback.
func (c *Channel) IsLocal() bool {
	return c.Remote != nil && c.Remote.IsLoopback()
}

// CanPacket reports whether the bandwidth choke currently permits a send.
// Mirrors Netchan_CanPacket: a loopback peer bypasses the choke
// unconditionally unless chokeLoopback (net_chokeloopback) is set.
func (c *Channel) CanPacket(now time.Time, chokeLoopback bool) bool {
	if !chokeLoopback && c.IsLocal() {
		return true
	}
	return !now.Before(c.ClearTime)
}

// IncomingReady reports whether either stream has a fully reassembled
// group waiting to be drained.
func (c *Channel) IncomingReady() bool {
	return c.streams[StreamNormal].ready || c.streams[StreamFile].ready
}

// FragmentBacklog reports, per stream, the number of fragment groups queued
// on the waitlist plus (if one exists) the active in-flight group -- the
// count a backlog gauge samples each tick.
func (c *Channel) FragmentBacklog(stream Stream) int {
	st := &c.streams[stream]
	n := st.waitlist.Len()
	if st.active != nil {
		n++
	}
	return n
}

// ReportFlow formats the channel's current instantaneous and smoothed
// transfer rates in both directions, for a periodic net_speeds-style log
// line.
func (c *Channel) ReportFlow() string {
	return fmt.Sprintf("in %s/s (avg %s/s) out %s/s (avg %s/s)",
		flow.Pretty(int64(c.FlowIncoming.KBytesPerSec()*1024)),
		flow.Pretty(int64(c.FlowIncoming.AvgKBytesPerSec()*1024)),
		flow.Pretty(int64(c.FlowOutgoing.KBytesPerSec()*1024)),
		flow.Pretty(int64(c.FlowOutgoing.AvgKBytesPerSec()*1024)),
	)
}
