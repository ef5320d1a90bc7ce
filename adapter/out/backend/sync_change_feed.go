package backend

import (
	"sync"

	"fitsync_client/core/domain"
	"fitsync_client/core/port/out"
)

// feedBuffer bounds how many undelivered events a feed holds before its
// producer blocks.
const feedBuffer = 64

// changeFeed is the channel-backed ChangeFeed both adapters hand out.
type changeFeed struct {
	events    chan *domain.ChangeEvent
	closeOnce sync.Once
	stop      func()
}

// Interface compliance check
var _ out.ChangeFeed = (*changeFeed)(nil)

func newChangeFeed(stop func()) *changeFeed {
	return &changeFeed{
		events: make(chan *domain.ChangeEvent, feedBuffer),
		stop:   stop,
	}
}

func (f *changeFeed) Events() <-chan *domain.ChangeEvent {
	return f.events
}

func (f *changeFeed) Close() error {
	f.closeOnce.Do(f.stop)
	return nil
}

// splitPayload separates the sync metadata a queued payload carries from the
// application data the backend stores.
func splitPayload(payload map[string]interface{}) (data map[string]interface{}, ownerID string, updatedAt string) {
	data = make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch k {
		case "owner_id":
			ownerID, _ = v.(string)
		case "updated_at":
			updatedAt, _ = v.(string)
		default:
			data[k] = v
		}
	}
	return data, ownerID, updatedAt
}
