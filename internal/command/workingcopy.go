package command

import (
	"context"
	"fmt"
	"time"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/entityctx"
	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/registry"
)

// workingCopyContext resolves the entity context for a node's type. Node
// types without a working-copy table do not support drafts.
func (p *Processor) workingCopyContext(ctx context.Context, nodeID string) (*entityctx.Context, *models.TreeNode, []string, error) {
	node, err := p.db.GetNode(ctx, p.db.Conn(), nodeID)
	if err != nil {
		return nil, nil, nil, err
	}
	reg, ok := p.reg.Lookup(node.NodeType)
	if !ok || reg.Context == nil || reg.Context.WorkingCopyTableName() == "" {
		return nil, nil, nil, fmt.Errorf("command: node type %q has no working copies: %w",
			node.NodeType, apperr.ErrNotSupported)
	}
	ancestors, err := p.ancestorIDs(ctx, p.db.Conn(), node.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return reg.Context, node, ancestors, nil
}

func workingCopyEvent(typ string, node *models.TreeNode, table string, ancestors []string) models.ChangeEvent {
	return models.ChangeEvent{
		Type:        typ,
		NodeID:      node.ID,
		ParentID:    node.ParentID,
		Node:        node,
		EntityTable: table,
		AncestorIDs: ancestors,
		At:          time.Now().UTC(),
	}
}

func (p *Processor) handleCreateWorkingCopy(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error) {
	var payload NodeIDPayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return registry.Outcome{}, err
	}
	ec, node, ancestors, err := p.workingCopyContext(ctx, payload.ID)
	if err != nil {
		return registry.Outcome{}, err
	}
	if _, err := ec.WorkingCopy().Create(ctx, node.ID); err != nil {
		return registry.Outcome{}, err
	}
	inverse, err := inverseEnvelope(env, KindDiscardWorkingCopy, NodeIDPayload{ID: node.ID})
	if err != nil {
		return registry.Outcome{}, err
	}
	return registry.Outcome{
		NodeID:  node.ID,
		Inverse: inverse,
		Events: []models.ChangeEvent{
			workingCopyEvent(models.EventWorkingCopyCreated, node, ec.WorkingCopyTableName(), ancestors),
		},
	}, nil
}

func (p *Processor) handleUpdateWorkingCopy(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error) {
	var payload UpdateWorkingCopyPayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return registry.Outcome{}, err
	}
	ec, node, ancestors, err := p.workingCopyContext(ctx, payload.ID)
	if err != nil {
		return registry.Outcome{}, err
	}

	prior, err := ec.WorkingCopy().Get(ctx, node.ID)
	if err != nil {
		return registry.Outcome{}, err
	}
	if _, err := ec.WorkingCopy().Update(ctx, node.ID, payload.Fields); err != nil {
		return registry.Outcome{}, err
	}

	// Undoing an update restores the prior draft fields.
	priorFields := make(models.Entity, len(prior))
	for k, v := range prior {
		if !models.IsWorkingCopyField(k) {
			priorFields[k] = v
		}
	}
	inverse, err := inverseEnvelope(env, KindUpdateWorkingCopy, UpdateWorkingCopyPayload{
		ID: node.ID, Fields: priorFields,
	})
	if err != nil {
		return registry.Outcome{}, err
	}
	return registry.Outcome{
		NodeID:  node.ID,
		Inverse: inverse,
		Events: []models.ChangeEvent{
			workingCopyEvent(models.EventWorkingCopyUpdated, node, ec.WorkingCopyTableName(), ancestors),
		},
	}, nil
}

func (p *Processor) handleCommitWorkingCopy(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error) {
	var payload NodeIDPayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return registry.Outcome{}, err
	}
	ec, node, ancestors, err := p.workingCopyContext(ctx, payload.ID)
	if err != nil {
		return registry.Outcome{}, err
	}
	if _, err := ec.WorkingCopy().Commit(ctx, node.ID); err != nil {
		return registry.Outcome{}, err
	}
	return registry.Outcome{
		NodeID: node.ID,
		Events: []models.ChangeEvent{
			workingCopyEvent(models.EventWorkingCopyCommitted, node, ec.PeerTableName(), ancestors),
		},
	}, nil
}

func (p *Processor) handleDiscardWorkingCopy(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error) {
	var payload NodeIDPayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return registry.Outcome{}, err
	}
	ec, node, ancestors, err := p.workingCopyContext(ctx, payload.ID)
	if err != nil {
		return registry.Outcome{}, err
	}
	if err := ec.WorkingCopy().Discard(ctx, node.ID); err != nil {
		return registry.Outcome{}, err
	}
	return registry.Outcome{
		NodeID: node.ID,
		Events: []models.ChangeEvent{
			workingCopyEvent(models.EventWorkingCopyDiscarded, node, ec.WorkingCopyTableName(), ancestors),
		},
	}, nil
}
