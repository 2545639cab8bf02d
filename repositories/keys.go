package repositories

import "wfchat/domain"

// Shared store key layout. Every process must agree on these names.
const (
	SeqUserID     = "seq:user.id"
	UsernameIDMap = "usernames"
	UsersActive   = "users:active"

	SeqRoomID = "seq:room.id"
	RoomIDMap = "rooms"

	// ControlChannel carries room create/destroy events between processes.
	ControlChannel = "rooms:control"

	credsUsername = "username"
	credsHash     = "hash"
)

func UserKey(id domain.UserID) string { return "user:" + id.String() }

func UserCredsKey(id domain.UserID) string { return UserKey(id) + ":creds" }

func RoomKey(id domain.RoomID) string { return "room:" + id.String() }

func RoomInfoKey(id domain.RoomID) string { return RoomKey(id) + ":info" }

func RoomUsersKey(id domain.RoomID) string { return RoomKey(id) + ":users" }

func RoomArchiveKey(id domain.RoomID) string { return RoomKey(id) + ":archive" }

func RoomChannel(id domain.RoomID) string { return RoomKey(id) + ":channel" }
