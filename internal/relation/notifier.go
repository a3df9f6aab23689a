package relation

import (
	"time"

	"github.com/growilabs/slackbot-proxy/internal/eventbus"
)

// EventNotifier publishes sync outcomes on the event bus.
type EventNotifier struct {
	bus *eventbus.Bus
}

var _ SyncNotifier = (*EventNotifier)(nil)

func NewEventNotifier(bus *eventbus.Bus) *EventNotifier {
	return &EventNotifier{bus: bus}
}

func (n *EventNotifier) NotifyRelationSynced(r *Relation) {
	n.bus.PublishNew(eventbus.RelationSynced, r.ID, map[string]string{
		"installation_id":     r.InstallationID,
		"growi_uri":           r.GrowiURI,
		"expired_at_commands": r.ExpiredAtCommands.Format(time.RFC3339),
	})
}

func (n *EventNotifier) NotifyRelationSyncFailed(r *Relation, err error) {
	n.bus.PublishNew(eventbus.RelationSyncFailed, r.ID, map[string]string{
		"installation_id": r.InstallationID,
		"growi_uri":       r.GrowiURI,
		"error":           err.Error(),
	})
}
