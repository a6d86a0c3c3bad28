package comm

import (
	"fmt"

	"github.com/taskwire/taskwire/pkg/types"
)

// Notification tasks are control-typed, priority 1, targeted at the
// subscriber's rank.
const (
	// ControlWorkType is the reserved work type of notification tasks.
	ControlWorkType = 0
	// NotifPriority is the priority of notification tasks.
	NotifPriority = 1
)

// NotifTaskPayload is the control task body waking a subscriber.
func NotifTaskPayload(id types.ID, sub string) []byte {
	if sub == "" {
		return []byte(fmt.Sprintf("close %d", id))
	}
	return []byte(fmt.Sprintf("close %d %s", id, sub))
}
