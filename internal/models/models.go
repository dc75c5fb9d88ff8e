package models

import "time"

// UserStatus tracks where a profile sits in the approval workflow.
type UserStatus string

const (
	UserPending   UserStatus = "pending"
	UserApproved  UserStatus = "approved"
	UserRejected  UserStatus = "rejected"
	UserSuspended UserStatus = "suspended"
)

// MessageStatus represents the delivery state of a message
type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageSeen      MessageStatus = "seen"
)

// Role is an application role attached to a profile
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Profile is a row in the profiles table. Every authenticated identity
// has exactly one, created with status=pending at signup.
type Profile struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	ProfileImage *string    `json:"profile_image"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Message is a row in the messages table. A message is a draft, an active
// message, or trashed; is_deleted implies deleted_at is set.
type Message struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"sender_id"`
	ReceiverID string        `json:"receiver_id"`
	Subject    string        `json:"subject"`
	Content    string        `json:"content"`
	Status     MessageStatus `json:"status"`
	IsStarred  bool          `json:"is_starred"`
	IsDraft    bool          `json:"is_draft"`
	IsDeleted  bool          `json:"is_deleted"`
	DeletedAt  *time.Time    `json:"deleted_at"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Folder tags which mailbox view an entry belongs to.
type Folder string

const (
	FolderInbox   Folder = "inbox"
	FolderSent    Folder = "sent"
	FolderStarred Folder = "starred"
	FolderDrafts  Folder = "drafts"
	FolderTrash   Folder = "trash"
)

// ViewEntry is a message as presented in a mailbox view: the row itself,
// the folder tag, and the counterparty profiles resolved at read time.
// Sender or Receiver may be nil when the join found no profile.
type ViewEntry struct {
	Message
	Folder   Folder   `json:"folder"`
	Sender   *Profile `json:"sender,omitempty"`
	Receiver *Profile `json:"receiver,omitempty"`
}

// Unseen reports whether an inbox entry should count toward the unread badge.
func (m *Message) Unseen() bool {
	return m.Status != MessageSeen
}
