package command

import (
	"testing"

	"github.com/starford/eihwaz/internal/models"
)

func TestCreateEnvelopeStampsIdentity(t *testing.T) {
	env, err := CreateEnvelope(KindCreateTree, CreateTreePayload{Name: "W"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.CommandID == "" || env.IssuedAt.IsZero() {
		t.Errorf("envelope = %+v", env)
	}
	if env.Meta == nil || env.Meta.CommandID != env.CommandID || env.Meta.Timestamp == 0 {
		t.Errorf("meta = %+v", env.Meta)
	}

	second, err := CreateEnvelope(KindCreateTree, CreateTreePayload{Name: "W"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.CommandID == env.CommandID {
		t.Error("command ids must be unique")
	}
}

func TestCreateEnvelopeKeepsCallerMeta(t *testing.T) {
	meta := &models.CommandMeta{CommandID: "caller-1", Timestamp: 42, UserID: "u1", CorrelationID: "c1"}
	env, err := CreateEnvelope(KindDeleteNode, NodeIDPayload{ID: "n1"}, meta)
	if err != nil {
		t.Fatal(err)
	}
	if env.Meta.CommandID != "caller-1" || env.Meta.Timestamp != 42 {
		t.Errorf("caller meta overwritten: %+v", env.Meta)
	}
	if env.Meta.UserID != "u1" || env.Meta.CorrelationID != "c1" {
		t.Errorf("meta = %+v", env.Meta)
	}
	// The caller's struct is copied, not aliased.
	env.Meta.UserID = "changed"
	if meta.UserID != "u1" {
		t.Error("envelope aliases the caller's meta")
	}
}

func TestInverseEnvelopeChainsContext(t *testing.T) {
	env, err := CreateEnvelope(KindMoveNode, MoveNodePayload{ID: "a", NewParentID: "b"}, &models.CommandMeta{CorrelationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	env.GroupID = "g1"

	inv, err := inverseEnvelope(env, KindMoveNode, MoveNodePayload{ID: "a", NewParentID: "prev"})
	if err != nil {
		t.Fatal(err)
	}
	if inv.CommandID == env.CommandID {
		t.Error("inverse must get a fresh command id")
	}
	if inv.GroupID != "g1" || inv.Meta.CorrelationID != "c1" {
		t.Errorf("inverse = %+v", inv)
	}
}
