package store

import "mailhub/internal/models"

// DecodeMessage converts a messages-table row into a typed Message.
func DecodeMessage(r Row) models.Message {
	return models.Message{
		ID:         r.String("id"),
		SenderID:   r.String("sender_id"),
		ReceiverID: r.String("receiver_id"),
		Subject:    r.String("subject"),
		Content:    r.String("content"),
		Status:     models.MessageStatus(r.String("status")),
		IsStarred:  r.Bool("is_starred"),
		IsDraft:    r.Bool("is_draft"),
		IsDeleted:  r.Bool("is_deleted"),
		DeletedAt:  r.TimePtr("deleted_at"),
		CreatedAt:  r.Time("created_at"),
	}
}

// DecodeProfile converts a profiles-table row into a typed Profile.
func DecodeProfile(r Row) models.Profile {
	return models.Profile{
		ID:           r.String("id"),
		Name:         r.String("name"),
		Email:        r.String("email"),
		ProfileImage: r.StringPtr("profile_image"),
		Status:       models.UserStatus(r.String("status")),
		CreatedAt:    r.Time("created_at"),
		UpdatedAt:    r.Time("updated_at"),
	}
}
