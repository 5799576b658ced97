// Package syncer merges remote message snapshots with the locally cached
// view of a conversation.
package syncer

import (
	"sort"

	"github.com/zulandar/stagecoach/internal/delivery"
	"github.com/zulandar/stagecoach/internal/models"
)

// Reconcile merges a remote snapshot into the local cache and returns the
// merged, ordered list. Rules:
//
//   - Messages present in both: remote content fields win, but the delivery
//     status never moves backwards.
//   - Local-only messages (pending or failed sends) are kept in place.
//   - Remote-only messages are inserted at their timestamp position.
//   - Duplicates are collapsed by message id only; identical text from the
//     same sender under different ids stays distinct.
func Reconcile(local, remote []models.Message) []models.Message {
	byID := make(map[string]*models.Message, len(remote))
	for i := range remote {
		byID[remote[i].ID] = &remote[i]
	}

	merged := make([]models.Message, 0, len(local)+len(remote))
	seen := make(map[string]bool, len(local))
	for _, l := range local {
		if seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		if r, ok := byID[l.ID]; ok {
			merged = append(merged, fold(l, *r))
			continue
		}
		merged = append(merged, l)
	}
	for _, r := range remote {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		merged = append(merged, r)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].OrderingTime().Before(merged[j].OrderingTime())
	})
	return merged
}

// fold overlays the remote copy of a message on the local one. Server fields
// are authoritative except status, which only advances.
func fold(local, remote models.Message) models.Message {
	out := remote
	out.Status = local.Status
	out.StatusUpdatedAt = local.StatusUpdatedAt
	if delivery.Observe(&out, delivery.Status(remote.Status)) {
		out.StatusUpdatedAt = remote.StatusUpdatedAt
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = local.Timestamp
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}
	return out
}
