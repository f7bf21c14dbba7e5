// Package demo is a thin exerciser of the engine: a freeroam-style
// gamemode loop (grounded on core/gamemode/freeroam.go) that periodically
// encodes an unreliable position sync and occasionally a reliable chat
// line, plus a vehicle-sync stub (grounded on core/systems/vehicle_system.go)
// that shows a second logical stream of unreliable state riding the same
// channel. The engine, not the gamemode, is what this module is about --
// this harness exists only to prove the channel is usable end to end.
package demo

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand"

	"github.com/fenrir-net/netchan/internal/netchan"
	"github.com/fenrir-net/netchan/pkg/bitbuffer"
)

// Vector3 mirrors the teacher's position triple.
type Vector3 struct {
	X, Y, Z float32
}

// Player is the minimal per-connection state the demo gamemode tracks --
// just enough to produce varying sync payloads, not a real game model.
type Player struct {
	ID       uint16
	Name     string
	Position Vector3
	Health   float32
}

// Freeroam is the demo gamemode: one Player per connected Channel, ticked
// once per host-loop iteration.
type Freeroam struct {
	players map[uint16]*Player
	chat    []string
}

// NewFreeroam builds an empty gamemode instance.
func NewFreeroam() *Freeroam {
	return &Freeroam{players: make(map[uint16]*Player)}
}

// OnConnect registers a newly connected player, mirroring
// FreeroamGamemode.OnPlayerConnect's spawn-state defaults.
func (gm *Freeroam) OnConnect(id uint16, name string) *Player {
	p := &Player{ID: id, Name: name, Health: 100}
	gm.players[id] = p
	return p
}

// OnDisconnect drops a player's state.
func (gm *Freeroam) OnDisconnect(id uint16) {
	delete(gm.players, id)
}

// Say queues a chat line for the next reliable broadcast tick.
func (gm *Freeroam) Say(from uint16, message string) {
	if p, ok := gm.players[from]; ok {
		gm.chat = append(gm.chat, p.Name+": "+message)
	}
}

// TickPositionSync encodes an unreliable position-sync payload for p and
// returns it for the caller to pass to c.Transmit as unreliable data; it
// sends nothing itself -- the position drifts a little each tick, standing
// in for real client input.
func (gm *Freeroam) TickPositionSync(c *netchan.Channel, p *Player) []byte {
	p.Position.X += float32(rand.Intn(3) - 1)
	p.Position.Y += float32(rand.Intn(3) - 1)

	buf := make([]byte, 14)
	binary.LittleEndian.PutUint16(buf[0:2], p.ID)
	binary.LittleEndian.PutUint32(buf[2:6], math.Float32bits(p.Position.X))
	binary.LittleEndian.PutUint32(buf[6:10], math.Float32bits(p.Position.Y))
	binary.LittleEndian.PutUint32(buf[10:14], math.Float32bits(p.Position.Z))
	return buf
}

// FlushChat drains any pending chat lines into the channel's reliable
// message buffer, so they ride the next packet as reliable data -- chat is
// the one payload in this demo that must not be dropped.
func (gm *Freeroam) FlushChat(msg *bitbuffer.Buffer) bool {
	if len(gm.chat) == 0 {
		return false
	}
	for _, line := range gm.chat {
		msg.WriteString(line)
	}
	gm.chat = nil
	return true
}

// VehicleSync is the stub second stream: it demonstrates that unreliable
// application state beyond player position can share the same channel
// without touching the engine's reliable path at all.
type VehicleSync struct {
	vehicles map[uint16]Vector3
	nextID   uint16
}

// NewVehicleSync builds an empty vehicle-sync tracker.
func NewVehicleSync() *VehicleSync {
	return &VehicleSync{vehicles: make(map[uint16]Vector3), nextID: 1}
}

// Spawn registers a vehicle at a position and returns its assigned ID.
func (vs *VehicleSync) Spawn(pos Vector3) uint16 {
	id := vs.nextID
	vs.nextID++
	vs.vehicles[id] = pos
	return id
}

// TickSync encodes every tracked vehicle's position as one unreliable
// payload, the way the teacher's vehicle system would broadcast sync data
// alongside player position updates.
func (vs *VehicleSync) TickSync() []byte {
	buf := make([]byte, 2+14*len(vs.vehicles))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(vs.vehicles)))
	i := 2
	for id, pos := range vs.vehicles {
		binary.LittleEndian.PutUint16(buf[i:i+2], id)
		binary.LittleEndian.PutUint32(buf[i+2:i+6], math.Float32bits(pos.X))
		binary.LittleEndian.PutUint32(buf[i+6:i+10], math.Float32bits(pos.Y))
		binary.LittleEndian.PutUint32(buf[i+10:i+14], math.Float32bits(pos.Z))
		i += 14
	}
	return buf
}

// ClientSession is the thin client-role counterpart to Freeroam/VehicleSync:
// it drains a channel's reassembled streams once per tick and reacts to the
// one failure the console/higher-level client subsystem (out of scope for
// this module) is responsible for acting on -- a completed-but-inconsistent
// reassembly queues a reconnect instead of being handed to the gamemode as
// good data. Server-role channels never see this: on the server side the
// same error is only ever logged (see internal/registry's Shutdown path).
type ClientSession struct {
	// ReconnectQueued is set once a reassembly gap is observed, mirroring
	// the original engine's "queue a reconnect" console command.
	ReconnectQueued bool
}

// Drain pulls any ready reassembly off c and reports it, setting
// ReconnectQueued when either stream surfaces netchan.ErrReassemblyGap.
// Non-gap errors are returned as-is for the caller to log; a gap does not
// stop draining the other stream.
func (cs *ClientSession) Drain(c *netchan.Channel, hc *netchan.HostContext) ([]byte, string, error) {
	var firstErr error

	normal, _, err := c.CopyNormalFragments()
	if err != nil {
		if errors.Is(err, netchan.ErrReassemblyGap) {
			cs.ReconnectQueued = true
		} else {
			firstErr = err
		}
	}

	filename, _, err := c.CopyFileFragments(hc)
	if err != nil {
		if errors.Is(err, netchan.ErrReassemblyGap) {
			cs.ReconnectQueued = true
		} else if firstErr == nil {
			firstErr = err
		}
	}

	var normalBytes []byte
	if normal != nil {
		normalBytes = normal.Data()
	}
	return normalBytes, filename, firstErr
}
