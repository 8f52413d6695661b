package db

import (
	"context"
	"fmt"

	"github.com/bobarin/reelforge/internal/models"
	"github.com/google/uuid"
)

// UpdateNodeStatus sets a node's status. data is shallow-merged into the
// node's existing data; errMsg replaces the stored error, nil clears it.
func (db *DB) UpdateNodeStatus(ctx context.Context, nodeID uuid.UUID, status models.NodeStatus, data models.JSONB, errMsg *string) error {
	query := `
		UPDATE nodes
		SET status = $2,
		    data = COALESCE(data, '{}'::jsonb) || COALESCE($3::jsonb, '{}'::jsonb),
		    error_message = $4,
		    updated_at = now()
		WHERE id = $1
	`
	_, err := db.ExecContext(ctx, query, nodeID, status, data, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update node status: %w", err)
	}
	return nil
}
