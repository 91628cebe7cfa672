package model

import "time"

// Room 是音视频房间服务返回的房间信息。
type Room struct {
	SID             string     `json:"sid"`
	Name            string     `json:"name"`
	NumParticipants int        `json:"num_participants"`
	MaxParticipants int        `json:"max_participants"`
	EmptyTimeout    int        `json:"empty_timeout"`
	Metadata        string     `json:"metadata,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
}

// Participant 是房间内的一个参与者。
type Participant struct {
	SID      string     `json:"sid"`
	Identity string     `json:"identity"`
	Name     string     `json:"name,omitempty"`
	State    string     `json:"state,omitempty"`
	Metadata string     `json:"metadata,omitempty"`
	JoinedAt *time.Time `json:"joined_at,omitempty"`
}
