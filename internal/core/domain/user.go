package domain

type UserID string

type ConversationID string

// User is the identity supplied by the identity provider.
type User struct {
	ID     UserID `json:"uid"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}
