package replication

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestIDManager_ChangeThenShiftDiffers(t *testing.T) {
	m := NewIDManager()
	m.ChangeReplicationID()
	before := m.ReplID()

	m.ShiftReplicationID(500)
	assert.Assert(t, m.ReplID() != m.ReplID2())
	assert.Equal(t, m.ReplID2(), before)
	assert.Equal(t, m.SecondReplOffset(), int64(501))
}

func TestIDManager_MergeIsCommutativeAndIdempotentPerApplication(t *testing.T) {
	a := NewIDManager()
	b := NewIDManager()
	aID, bID := a.ReplID(), b.ReplID()

	a.MergeReplicationID(bID)
	b.MergeReplicationID(aID)
	assert.Equal(t, a.ReplID(), b.ReplID())

	// merging the identity element leaves the id unchanged
	fresh := NewIDManager()
	original := fresh.ReplID()
	fresh.MergeReplicationID(zeroReplID)
	assert.Equal(t, fresh.ReplID(), original)
}

func TestIDManager_AcceptsPartial(t *testing.T) {
	m := NewIDManager()
	current := m.ReplID()

	assert.Assert(t, m.AcceptsPartial(current, 0))
	assert.Assert(t, !m.AcceptsPartial("?", 0))
	assert.Assert(t, !m.AcceptsPartial("", 0))
	assert.Assert(t, !m.AcceptsPartial("deadbeef", 0))

	m.ShiftReplicationID(500)
	// old lineage still valid up to second_replid_offset
	assert.Assert(t, m.AcceptsPartial(current, 501))
	assert.Assert(t, !m.AcceptsPartial(current, 502))
}

// TestIDManager_PromotionScenario is S6: a replica with replid=X reploff=500
// is promoted (REPLICAOF NO ONE). A later PSYNC from the old primary at
// offset 501 (X, 501) must still succeed against the shifted lineage.
func TestIDManager_PromotionScenario(t *testing.T) {
	m := NewIDManager()
	x := m.ReplID()

	m.ShiftReplicationID(500)
	y := m.ReplID()

	assert.Assert(t, x != y)
	assert.Equal(t, m.ReplID2(), x)
	assert.Equal(t, m.SecondReplOffset(), int64(501))
	assert.Assert(t, m.AcceptsPartial(x, 501))
}
