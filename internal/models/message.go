package models

import "time"

// MessageHeader is the cached header summary of one message in a folder.
type MessageHeader struct {
	UID     uint32    `json:"uid"`
	Date    time.Time `json:"date"`
	Subject string    `json:"subject"`
	From    string    `json:"from"`
	Flags   []string  `json:"flags,omitempty"`
	Deleted bool      `json:"deleted,omitempty"`
}

// CompareYoungToOld orders newer messages first, then higher UIDs first when dates tie.
func CompareYoungToOld(a, b *MessageHeader) int {
	if !a.Date.Equal(b.Date) {
		if a.Date.After(b.Date) {
			return -1
		}
		return 1
	}
	switch {
	case a.UID > b.UID:
		return -1
	case a.UID < b.UID:
		return 1
	}
	return 0
}
