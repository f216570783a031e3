// Package user manages accounts: dungeon masters and players who own
// encounters and connect to live combat streams.
package user

import (
	"time"
)

// Role controls what a user may do to a combat. Spectators may only read.
type Role string

const (
	RoleDM        Role = "DM"
	RolePlayer    Role = "PLAYER"
	RoleSpectator Role = "SPECTATOR"
)

// User is a registered account. PasswordHash is a bcrypt digest and is never
// serialized.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreateTime   time.Time `json:"createTime"`
	LastSeenTime time.Time `json:"lastSeenTime"`
}

// CanModify reports whether this user may issue mutating combat operations.
func (u *User) CanModify() bool {
	return u.Role == RoleDM || u.Role == RolePlayer
}
