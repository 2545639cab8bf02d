// Package domain contains core concepts of the chat system.
// No runtime, network, or storage logic should be added here.
package domain

import "strconv"

// UserID is the stable, store-assigned identifier of a user.
type UserID int64

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseUserID reads a user id as stored in hashes and sets.
func ParseUserID(s string) (UserID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return UserID(v), nil
}

// User is immutable once a session has logged in.
type User struct {
	ID   UserID
	Name string
}
