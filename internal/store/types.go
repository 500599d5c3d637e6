package store

// OutboxEntry is one durable offline message awaiting delivery. Payload
// holds the already-encrypted body; plaintext never reaches the store.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	MatchID      string
	Payload      string
	MsgType      string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
}
