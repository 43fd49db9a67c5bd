/*
Copyright 2024 Stampd Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/stampdhq/stampd/internal/apierror"
	"github.com/stampdhq/stampd/model"
)

// insertAuditEntry writes an audit entry inside an existing transaction so
// the entry commits or rolls back with the transition it describes.
func insertAuditEntry(ctx context.Context, tx *sql.Tx, entry *model.AuditEntry) error {
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries(audit_id, entity_type, entity_id, action, from_status, to_status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.AuditID, entry.EntityType, entry.EntityID, entry.Action, entry.FromStatus, entry.ToStatus, detailJSON, entry.CreatedAt)
	return err
}

// RecordAuditEntry appends a standalone audit entry outside any transaction.
func (d Datasource) RecordAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal audit detail", err)
	}
	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO audit_entries(audit_id, entity_type, entity_id, action, from_status, to_status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.AuditID, entry.EntityType, entry.EntityID, entry.Action, entry.FromStatus, entry.ToStatus, detailJSON, entry.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record audit entry", err)
	}
	return nil
}

func (d Datasource) GetAuditTrail(ctx context.Context, entityID string, limit, offset int) ([]model.AuditEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT audit_id, entity_type, entity_id, action, from_status, to_status, detail, created_at
		FROM audit_entries WHERE entity_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, entityID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve audit trail", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var entry model.AuditEntry
		var detailJSON []byte
		if err := rows.Scan(&entry.AuditID, &entry.EntityType, &entry.EntityID, &entry.Action, &entry.FromStatus, &entry.ToStatus, &detailJSON, &entry.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan audit entry", err)
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &entry.Detail); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal audit detail", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating audit entries", err)
	}
	return entries, nil
}
