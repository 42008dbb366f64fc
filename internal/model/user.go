package model

// UserPublic — данные пользователя из внешнего справочника (только чтение).
type UserPublic struct {
	ID        string `json:"id"`
	FullName  string `json:"fullName"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatarUrl"`
}

// DisplayName — имя для показа: полное имя, иначе email, иначе id.
func (u UserPublic) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}
