package server

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/notepad/internal/fanout"
)

const (
	EventDocumentsChanged = "documents-changed"
	EventDocumentReplaced = "document-replaced"
	eventHeartbeat        = "heartbeat"
	eventSource           = "notepad"
	changeFeedBuffer      = 16
)

// ChangeMessage is one event of the change feed.
type ChangeMessage struct {
	EventType   string
	DocumentIDs []string
	LastSaved   int64
	Timestamp   time.Time
}

// ChangeFeed fans session events out to stream subscribers. Slow
// subscribers drop messages instead of blocking the publisher.
type ChangeFeed struct {
	hub *fanout.Hub[ChangeMessage]
}

func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{hub: fanout.NewHub[ChangeMessage](changeFeedBuffer)}
}

func (f *ChangeFeed) Subscribe(ctx context.Context) (<-chan ChangeMessage, func()) {
	return f.hub.Subscribe(ctx, fanout.Everyone)
}

func (f *ChangeFeed) Publish(message ChangeMessage) {
	if message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	f.hub.Publish(fanout.Everyone, message)
}

// DocumentsChanged publishes a collection change.
func (f *ChangeFeed) DocumentsChanged() {
	f.Publish(ChangeMessage{EventType: EventDocumentsChanged})
}

// DocumentReplaced publishes a replacement of the open document.
func (f *ChangeFeed) DocumentReplaced(id string, lastSaved int64) {
	f.Publish(ChangeMessage{EventType: EventDocumentReplaced, DocumentIDs: []string{id}, LastSaved: lastSaved})
}
