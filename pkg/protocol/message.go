package protocol

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageTypeJoin          MessageType = "join"
	MessageTypeNewComment    MessageType = "newComment"
	MessageTypeUpdateComment MessageType = "updateComment"
	MessageTypePing          MessageType = "ping"
	MessageTypeError         MessageType = "error"
)

// Comment is the record exchanged between clients and the hub. Percentages
// are relative to the bounding box of the element Selector resolves to.
type Comment struct {
	Id        string    `json:"id,omitempty"`
	ProjectId string    `json:"project_id,omitempty"`
	Content   string    `json:"content"`
	Selector  string    `json:"selector"`
	XPercent  float64   `json:"x_percent"`
	YPercent  float64   `json:"y_percent"`
	Url       string    `json:"url"`
	AuthorId  string    `json:"author_id,omitempty"`
	ParentId  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Envelope is one JSON frame on the socket.
type Envelope struct {
	Type      MessageType `json:"type"`
	ProjectId string      `json:"projectId,omitempty"`
	Url       string      `json:"url,omitempty"`
	Comment   *Comment    `json:"comment,omitempty"`
	Message   string      `json:"message,omitempty"`
	Status    *bool       `json:"status,omitempty"`
	RequestId string      `json:"requestId,omitempty"`
}

func (e Envelope) Scope() Scope {
	return Scope{ProjectId: e.ProjectId, Url: e.Url}
}

func NewError(requestId string, message string) Envelope {
	return Envelope{
		Type:      MessageTypeError,
		Message:   message,
		RequestId: requestId,
	}
}

func Decode(data []byte) (Envelope, error) {
	var envelope Envelope
	err := json.Unmarshal(data, &envelope)

	return envelope, err
}

// Scope identifies a room. Two scopes are the same room only when both
// fields are byte-for-byte equal.
type Scope struct {
	ProjectId string `json:"projectId"`
	Url       string `json:"url"`
}

func (s Scope) IsZero() bool {
	return s.ProjectId == "" && s.Url == ""
}

func (s Scope) String() string {
	return s.ProjectId + "|" + s.Url
}
