package websocket

// Message types
const (
	MessageCaption      = "caption"
	MessageFeedStatus   = "feed_status"
	MessageHistoryStart = "history_start"
	MessageHistoryEnd   = "history_end"
)

// Message is an event on the global channel
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type historyStart struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type historyEnd struct {
	Type string `json:"type"`
}
