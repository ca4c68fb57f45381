package sonos

import "encoding/json"

// TargetHeader carries the group id a push notification is addressed to.
const TargetHeader = "X-Sonos-Target-Value"

// EventTrack is the track descriptor embedded in playbackMetadata events.
type EventTrack struct {
	Name           string      `json:"name"`
	ImageURL       string      `json:"imageUrl"`
	DurationMillis int         `json:"durationMillis"`
	ID             *ResourceID `json:"id"`
	Artist         *struct {
		Name string `json:"name"`
	} `json:"artist"`
	Album *struct {
		Name string `json:"name"`
	} `json:"album"`
}

// EventItem wraps a track inside a playback queue position.
type EventItem struct {
	Track *EventTrack `json:"track"`
}

// EventContainer describes what the group is playing from.
type EventContainer struct {
	Name string      `json:"name"`
	Type string      `json:"type"`
	ID   *ResourceID `json:"id"`
}

// Event is the body of a push notification. Every field is optional;
// playback events carry item ids, playbackMetadata events carry the
// container and current/next items. Consumers must tolerate any subset.
type Event struct {
	PlaybackState  string          `json:"playbackState"`
	ItemID         string          `json:"itemId"`
	PreviousItemID string          `json:"previousItemId"`
	Container      *EventContainer `json:"container"`
	CurrentItem    *EventItem      `json:"currentItem"`
	NextItem       *EventItem      `json:"nextItem"`
}

// ParseEvent decodes a push notification body. Unknown fields are ignored;
// only a body that is not JSON at all is an error.
func ParseEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// CurrentObjectID returns the service object id of the current item, or ""
// when the event carries no usable track identity.
func (e *Event) CurrentObjectID() string {
	if e.CurrentItem == nil || e.CurrentItem.Track == nil || e.CurrentItem.Track.ID == nil {
		return ""
	}
	return e.CurrentItem.Track.ID.ObjectID
}

// NextObjectID returns the service object id of the next item, or "".
func (e *Event) NextObjectID() string {
	if e.NextItem == nil || e.NextItem.Track == nil || e.NextItem.Track.ID == nil {
		return ""
	}
	return e.NextItem.Track.ID.ObjectID
}
