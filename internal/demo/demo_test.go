package demo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenrir-net/netchan/internal/netchan"
	"github.com/fenrir-net/netchan/pkg/bitbuffer"
)

type fakeAddr string

func (a fakeAddr) Equal(o netchan.Addr) bool {
	other, ok := o.(fakeAddr)
	return ok && other == a
}
func (a fakeAddr) IsLoopback() bool { return false }
func (a fakeAddr) String() string   { return string(a) }

func TestFreeroamConnectAndChat(t *testing.T) {
	gm := NewFreeroam()
	p := gm.OnConnect(1, "alice")
	require.NotNil(t, p)
	assert.Equal(t, float32(100), p.Health)

	msg := bitbuffer.New("chat", 256)
	assert.False(t, gm.FlushChat(msg), "nothing queued yet")

	gm.Say(1, "hello world")
	assert.True(t, gm.FlushChat(msg))
	assert.Greater(t, msg.NumBytesWritten(), 0)

	gm.OnDisconnect(1)
	assert.False(t, gm.FlushChat(msg), "chat already drained")
}

func TestVehicleSyncEncodesEveryVehicle(t *testing.T) {
	vs := NewVehicleSync()
	id1 := vs.Spawn(Vector3{X: 1, Y: 2, Z: 3})
	id2 := vs.Spawn(Vector3{X: 4, Y: 5, Z: 6})
	assert.NotEqual(t, id1, id2)

	buf := vs.TickSync()
	assert.Len(t, buf, 2+14*2)
}

func TestClientSessionDrainIsNoopWithNothingReady(t *testing.T) {
	c := netchan.Setup(netchan.RoleClient, fakeAddr("server:1"), 1, netchan.DefaultRate, nil)
	hc := &netchan.HostContext{}

	var cs ClientSession
	normal, filename, err := cs.Drain(c, hc)
	require.NoError(t, err)
	assert.Nil(t, normal)
	assert.Empty(t, filename)
	assert.False(t, cs.ReconnectQueued, "nothing was ever reassembled, so no gap to queue a reconnect over")
}
