package replication

import (
	"testing"

	"github.com/awinterman/anarchoredis/protocol"
	"gotest.tools/v3/assert"
)

func decodeOne(t *testing.T, b []byte) *protocol.Message {
	t.Helper()
	msg, err := protocol.Read(newBufReadWriter(b))
	assert.NilError(t, err)
	return msg
}

func TestStreamEncoder_EmitsSelectOnDBChange(t *testing.T) {
	enc := &StreamEncoder{MVCC: NewMVCCClock(func() int64 { return 1 })}

	first := enc.Encode(0, []string{"SET", "a", "1"})
	rw := newBufReadWriter(first)
	sel, err := protocol.Read(rw)
	assert.NilError(t, err)
	cmd, err := sel.Cmd()
	assert.NilError(t, err)
	assert.Equal(t, cmd.Name, "SELECT")

	setMsg, err := protocol.Read(rw)
	assert.NilError(t, err)
	cmd, err = setMsg.Cmd()
	assert.NilError(t, err)
	assert.Equal(t, cmd.Name, "SET")

	// same db: no leading SELECT this time
	second := enc.Encode(0, []string{"SET", "b", "2"})
	msg := decodeOne(t, second)
	cmd, err = msg.Cmd()
	assert.NilError(t, err)
	assert.Equal(t, cmd.Name, "SET")
}

func TestStreamEncoder_RoundTripReproducesArgv(t *testing.T) {
	enc := &StreamEncoder{MVCC: NewMVCCClock(func() int64 { return 1 })}
	encoded := enc.Encode(3, []string{"SET", "k", "v"})

	rw := newBufReadWriter(encoded)
	selMsg, err := protocol.Read(rw)
	assert.NilError(t, err)
	selCmd, err := selMsg.Cmd()
	assert.NilError(t, err)
	assert.DeepEqual(t, selCmd.Args, []string{"3"})

	cmdMsg, err := protocol.Read(rw)
	assert.NilError(t, err)
	cmd, err := cmdMsg.Cmd()
	assert.NilError(t, err)
	assert.Equal(t, cmd.Name, "SET")
	assert.DeepEqual(t, cmd.Args, []string{"k", "v"})
}

func TestStreamEncoder_ActiveReplicaWrapsInRREPLAY(t *testing.T) {
	enc := &StreamEncoder{
		ActiveReplica: true,
		LocalUUID:     "11111111-1111-1111-1111-111111111111",
		MVCC:          NewMVCCClock(func() int64 { return 42 }),
	}
	encoded := enc.Encode(0, []string{"SET", "k", "v"})

	msg := decodeOne(t, encoded)
	assert.Equal(t, msg.Array[0].Str, "RREPLAY")

	env, err := DecodeRREPLAY(msg)
	assert.NilError(t, err)
	assert.Equal(t, env.SourceUUID, enc.LocalUUID)
	assert.Equal(t, env.DB, 0)
	assert.Assert(t, env.MVCC >= 42)

	payloadMsg := decodeOne(t, env.Payload)
	cmd, err := payloadMsg.Cmd()
	assert.NilError(t, err)
	assert.Equal(t, cmd.Name, "SELECT")
}

func TestMVCCClock_StrictlyIncreasing(t *testing.T) {
	fixed := int64(100)
	clock := NewMVCCClock(func() int64 { return fixed })

	a := clock.Next()
	b := clock.Next()
	c := clock.Next()
	assert.Assert(t, b > a)
	assert.Assert(t, c > b)
}

func TestMVCCClock_ObserveAdvancesFloor(t *testing.T) {
	clock := NewMVCCClock(func() int64 { return 1 })
	clock.Observe(1000)
	assert.Assert(t, clock.Next() > 1000)
}

// TestPropagator_FeedRawIsExactPassthrough is S4: a chained replica must
// not re-encode bytes it received, only append them to its own backlog and
// forward them verbatim.
func TestPropagator_FeedRawIsExactPassthrough(t *testing.T) {
	backlog := NewBacklog(MinBacklogSize)
	enc := &StreamEncoder{MVCC: NewMVCCClock(func() int64 { return 1 })}
	p := NewPropagator(enc, backlog)

	raw := EncodeCommand([]string{"SET", "x", "1"})
	before := backlog.MasterOffset()
	p.FeedRaw(raw)

	assert.Equal(t, backlog.MasterOffset(), before+int64(len(raw)))
	out, err := backlog.ReadRange(before + 1)
	assert.NilError(t, err)
	assert.DeepEqual(t, out, raw)
}
