package engine

import (
	"sort"
	"sync"

	"github.com/zulandar/stagecoach/internal/models"
)

// view is the in-memory projection of one conversation: the ordered message
// list the UI renders. All mutations keep timestamp order.
type view struct {
	mu       sync.Mutex
	messages []models.Message
}

// Messages returns an ordered copy of the projection.
func (v *view) Messages() []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.Message, len(v.messages))
	for i := range v.messages {
		out[i] = v.messages[i].Clone()
	}
	return out
}

// Set replaces the projection with an already-ordered list.
func (v *view) Set(msgs []models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.messages = append(v.messages[:0:0], msgs...)
}

// Upsert inserts or replaces one message, keeping order.
func (v *view) Upsert(msg *models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.messages {
		if v.messages[i].ID == msg.ID {
			v.messages[i] = msg.Clone()
			v.sortLocked()
			return
		}
	}
	v.messages = append(v.messages, msg.Clone())
	v.sortLocked()
}

// Merge folds a remote list into the projection through merge, holding the
// lock across the read and the replacement so a concurrent Upsert is never
// lost between them. It returns the merged list.
func (v *view) Merge(remote []models.Message, merge func(local, remote []models.Message) []models.Message) []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	local := make([]models.Message, len(v.messages))
	for i := range v.messages {
		local[i] = v.messages[i].Clone()
	}
	merged := merge(local, remote)
	v.messages = append(v.messages[:0:0], merged...)
	return merged
}

// Remove drops a message from the projection.
func (v *view) Remove(messageID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.messages {
		if v.messages[i].ID == messageID {
			v.messages = append(v.messages[:i], v.messages[i+1:]...)
			return
		}
	}
}

// Get returns a copy of one message, or nil.
func (v *view) Get(messageID string) *models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.messages {
		if v.messages[i].ID == messageID {
			cp := v.messages[i].Clone()
			return &cp
		}
	}
	return nil
}

func (v *view) sortLocked() {
	sort.SliceStable(v.messages, func(i, j int) bool {
		return v.messages[i].OrderingTime().Before(v.messages[j].OrderingTime())
	})
}
