package domain

import (
	"encoding/json"
	"fmt"
)

type ControlType string

const (
	ControlCreate  ControlType = "create"
	ControlDestroy ControlType = "destroy"
)

// ControlEvent propagates room creation and destruction between server processes.
type ControlEvent struct {
	Type     ControlType `json:"type"`
	RoomName string      `json:"roomName"`
	RoomID   RoomID      `json:"roomId,omitempty"`
}

func (e ControlEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeControlEvent(payload []byte) (ControlEvent, error) {
	var e ControlEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return ControlEvent{}, err
	}
	switch e.Type {
	case ControlCreate, ControlDestroy:
	default:
		return ControlEvent{}, fmt.Errorf("unknown control type %q", e.Type)
	}
	if e.RoomName == "" {
		return ControlEvent{}, fmt.Errorf("control event without room name")
	}
	return e, nil
}
