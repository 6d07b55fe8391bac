package permissions

import api "github.com/OvyFlash/telegram-bot-api"

// Role is the part of a chat membership that vote bans and /stats look at.
type Role int

const (
	RoleAbsent Role = iota
	RoleMember
	RoleAdmin
)

// Classify maps a Telegram chat member to a Role. Restricted users count as members
// only while Telegram still reports them in the chat.
func Classify(member *api.ChatMember) Role {
	if member == nil {
		return RoleAbsent
	}
	switch {
	case member.IsCreator(), member.IsAdministrator():
		return RoleAdmin
	case member.HasLeft(), member.WasKicked(), member.Status == "":
		return RoleAbsent
	case member.Status == "restricted" && !member.IsMember:
		return RoleAbsent
	}
	return RoleMember
}

func (r Role) Present() bool {
	return r != RoleAbsent
}

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	}
	return "absent"
}
