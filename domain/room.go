package domain

import "strconv"

type RoomID int64

func (id RoomID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func ParseRoomID(s string) (RoomID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return RoomID(v), nil
}

const (
	fieldCreator     = "creator"
	fieldDescription = "description"
	fieldMotd        = "motd"
)

// RoomOptions is mutable only by the room's creator.
type RoomOptions struct {
	Creator     UserID
	Description string
	Motd        string
}

// IsCreator reports whether id created the room. Rooms without a creator have no owner.
func (o RoomOptions) IsCreator(id UserID) bool {
	return o.Creator != 0 && o.Creator == id
}

// Merge returns o overridden by every non-zero field of other.
func (o RoomOptions) Merge(other RoomOptions) RoomOptions {
	if other.Creator != 0 {
		o.Creator = other.Creator
	}
	if other.Description != "" {
		o.Description = other.Description
	}
	if other.Motd != "" {
		o.Motd = other.Motd
	}
	return o
}

// Fields flattens the options into the hash layout of room:<id>:info.
func (o RoomOptions) Fields() map[string]string {
	creator := ""
	if o.Creator != 0 {
		creator = o.Creator.String()
	}
	return map[string]string{
		fieldCreator:     creator,
		fieldDescription: o.Description,
		fieldMotd:        o.Motd,
	}
}

// RoomOptionsFromFields is the inverse of Fields. Unknown or empty creators map to 0.
func RoomOptionsFromFields(fields map[string]string) RoomOptions {
	var creator UserID
	if raw := fields[fieldCreator]; raw != "" {
		if id, err := ParseUserID(raw); err == nil {
			creator = id
		}
	}
	return RoomOptions{
		Creator:     creator,
		Description: fields[fieldDescription],
		Motd:        fields[fieldMotd],
	}
}
