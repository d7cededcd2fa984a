package orchestrator

import (
	"context"

	"github.com/vclsched/vclsched/internal/db"
	"github.com/vclsched/vclsched/internal/models"
)

// Authorizer answers whether an actor may manage a computer.
type Authorizer interface {
	HasManageCapability(ctx context.Context, actor string, computerID int) (bool, error)
}

// StoreAuthorizer checks manage grants recorded in the reservation store.
type StoreAuthorizer struct {
	Store *db.Store
}

func (a StoreAuthorizer) HasManageCapability(ctx context.Context, actor string, computerID int) (bool, error) {
	return a.Store.HasManageGrant(ctx, actor, computerID)
}

// NodeSelector picks the management node that carries out reload-backed
// transitions on a computer.
type NodeSelector interface {
	SelectNode(ctx context.Context, c models.Computer) (int, error)
}

// StaticNodeSelector always returns one configured node. Zero means no node
// is configured.
type StaticNodeSelector int

func (s StaticNodeSelector) SelectNode(context.Context, models.Computer) (int, error) {
	if s <= 0 {
		return 0, ErrNoManagementNode
	}
	return int(s), nil
}
