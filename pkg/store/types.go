package store

// Status is a message delivery status. pending, sent, delivered and read
// form a total order; failed sits outside it and is only reachable from a
// local transmission failure.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders the remote-progressable statuses. failed is absent on
// purpose: it is never compared against the order.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of s in the status order, or -1 for statuses
// outside it (failed, unknown).
func (s Status) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	return s == StatusFailed || s.Rank() >= 0
}

// Message is the locally cached copy of a chat message. ClientID is
// assigned at creation and never changes; ServerID is empty until the
// remote authority acknowledges the message, then immutable. Content is
// plaintext at rest, decryption happens before storage.
type Message struct {
	ClientID string
	ServerID string
	ChatID   string
	SenderID string
	Content  string
	SentAtMS int64
	Status   Status
	ReplyTo  string
}

// Linked reports whether the message has both identities.
func (m *Message) Linked() bool {
	return m.ServerID != ""
}

// Chat is a locally cached conversation. UnreadCount is a cached
// projection: it must always be re-derivable from the message table.
type Chat struct {
	ChatID        string
	Name          string
	IsGroup       bool
	CreatorID     string
	CreatedAtMS   int64
	UnreadCount   int
	LastMessage   string
	LastMessageMS int64
}

// Participant is a chat membership record, keyed by (chat_id, user_id).
type Participant struct {
	ChatID string
	UserID string
	Role   string
}

// Friend is a contact record synced from the remote service.
type Friend struct {
	UserID   string
	Username string
	Status   string
}
