// Package registry multiplexes inbound datagrams to the right Channel and
// drives the host loop: a ticker-driven transmit pass and a stale-channel
// reaper. Grounded on the teacher's Server.Players map plus its
// updateLoop/sessionCleanupLoop tickers in source/server/server.go,
// generalized from a single SA-MP player map to this spec's channel model
// keyed by (remote address, qport) instead of a player ID.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/fenrir-net/netchan/internal/netchan"
)

// StaleTimeout is how long a channel may go without a received packet
// before the reaper considers it dead.
const StaleTimeout = 60 * time.Second

// entry pairs a Channel with the HostContext it was built to use -- every
// Registry method that touches a channel threads the same HostContext back
// in, so a single registry can serve channels with different Senders/Files/
// Sinks if the caller ever needs that (tests do, for instance).
type entry struct {
	channel *netchan.Channel
	hc      *netchan.HostContext
}

// Registry is the server side's (remote address, qport)-keyed channel map.
// The one piece of genuine concurrency in the engine enters here -- multiple
// UDP reads may dispatch into different channels concurrently -- so it owns
// a sync.RWMutex guarding the map, exactly as the teacher's Server guards
// its Players map. Each individual Channel is still only ever touched by
// whichever goroutine currently holds the registry's lock for its slot.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	rate      int
	blockSize netchan.BlockSizeFunc
}

// New builds an empty registry. rate/blockSize are applied to every
// server-role channel created on first contact.
func New(rate int, blockSize netchan.BlockSizeFunc) *Registry {
	return &Registry{
		entries:   make(map[string]*entry),
		rate:      rate,
		blockSize: blockSize,
	}
}

func key(addr netchan.Addr, qport uint16) string {
	return fmt.Sprintf("%s#%d", addr.String(), qport)
}

// Dispatch routes one inbound datagram to its channel, creating one via
// Setup on first contact. newHC is called only then, to build the
// HostContext the freshly created channel will use for every subsequent
// call; an existing channel keeps the HostContext it was created with.
func (r *Registry) Dispatch(addr netchan.Addr, qport uint16, raw []byte, newHC func() *netchan.HostContext) (*netchan.Channel, *netchan.HostContext, error) {
	k := key(addr, qport)

	r.mu.Lock()
	e, ok := r.entries[k]
	if !ok {
		e = &entry{
			channel: netchan.Setup(netchan.RoleServer, addr, qport, r.rate, r.blockSize),
			hc:      newHC(),
		}
		r.entries[k] = e
	}
	r.mu.Unlock()

	_, _, err := e.channel.Process(e.hc, addr, raw)
	return e.channel, e.hc, err
}

// Lookup returns the channel registered for (addr, qport), if any.
func (r *Registry) Lookup(addr netchan.Addr, qport uint16) (*netchan.Channel, *netchan.HostContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key(addr, qport)]
	if !ok {
		return nil, nil, false
	}
	return e.channel, e.hc, true
}

// Put registers an already-constructed channel (e.g. the client side's
// single outbound channel, which didn't arrive via Dispatch).
func (r *Registry) Put(addr netchan.Addr, qport uint16, c *netchan.Channel, hc *netchan.HostContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key(addr, qport)] = &entry{channel: c, hc: hc}
}

// Len reports how many channels the registry currently holds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Tick drives one transmit pass across every channel whose bandwidth choke
// currently permits a send, grounded on the teacher's updateLoop ticker.
func (r *Registry) Tick(now time.Time) error {
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	var result error
	for _, e := range snapshot {
		if !e.channel.CanPacket(now, e.hc.ChokeLoopback) {
			continue
		}
		if err := e.channel.Transmit(e.hc, nil); err != nil {
			result = multierror.Append(result, fmt.Errorf("channel %s: %w", e.channel.ID, err))
		}
	}
	return result
}

// Reap removes every channel that hasn't received a packet within timeout,
// grounded on the teacher's sessionCleanupLoop. It returns the IDs of the
// channels it evicted, for the caller to unregister from metrics.
func (r *Registry) Reap(now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for k, e := range r.entries {
		if now.Sub(e.channel.LastReceived) > timeout {
			evicted = append(evicted, e.channel.ID.String())
			delete(r.entries, k)
		}
	}
	return evicted
}

// Shutdown drains any completed-but-unread transfer from every channel
// before discarding the registry: a completed file is written through the
// channel's FileSink when one is set, and a completed normal-stream message
// is read and discarded. Each channel's drain is
// independent of every other's, so failures are collected rather than
// stopping at the first one.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result error
	for k, e := range r.entries {
		if err := drainChannel(e.channel, e.hc); err != nil {
			result = multierror.Append(result, fmt.Errorf("channel %s: %w", e.channel.ID, err))
		}
		delete(r.entries, k)
	}
	return result
}

func drainChannel(c *netchan.Channel, hc *netchan.HostContext) error {
	if !c.IncomingReady() {
		return nil
	}
	if _, _, err := c.CopyNormalFragments(); err != nil {
		return err
	}
	if _, _, err := c.CopyFileFragments(hc); err != nil {
		return err
	}
	return nil
}
