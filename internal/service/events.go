package service

import "time"

// 服务端下发事件的 type 字段取值。
const (
	EventWelcome    = "welcome"
	EventRejected   = "rejected"
	EventHistory    = "history"
	EventRegistered = "registered"
	EventMessage    = "message"
	EventMoved      = "moved"
	EventKicked     = "kicked"
	EventUpload     = "upload"
	EventError      = "error"
)

type Welcome struct {
	Type        string `json:"type"`
	ConnID      string `json:"conn_id"`
	Name        string `json:"name"`
	Token       string `json:"token"`
	PublicToken string `json:"public_token"`
	Recovered   bool   `json:"recovered,omitempty"`
}

type Rejected struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ChatMessage 是广播与历史回放共用的消息形态，不携带 secret token。
type ChatMessage struct {
	Type              string    `json:"type"`
	ID                uint      `json:"id"`
	Room              string    `json:"room"`
	SenderPublicToken string    `json:"sender_public_token"`
	SenderName        string    `json:"sender_name"`
	Text              string    `json:"text"`
	Timestamp         time.Time `json:"timestamp"`
}

type History struct {
	Type     string        `json:"type"`
	Room     string        `json:"room"`
	Messages []ChatMessage `json:"messages"`
}

type Registered struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type Moved struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

type Kicked struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type UploadNotice struct {
	Type              string    `json:"type"`
	Room              string    `json:"room"`
	Filename          string    `json:"filename"`
	URL               string    `json:"url"`
	SenderPublicToken string    `json:"sender_public_token"`
	SenderName        string    `json:"sender_name"`
	Timestamp         time.Time `json:"timestamp"`
}

type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewError(err error) ErrorEvent {
	return ErrorEvent{Type: EventError, Error: err.Error()}
}

func NewRejected(reason string) Rejected {
	return Rejected{Type: EventRejected, Reason: reason}
}
