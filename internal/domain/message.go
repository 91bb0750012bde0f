package domain

import (
	"strings"
	"time"
)

// GroupSuffix marks a sender address that belongs to a group chat.
const GroupSuffix = "@g.us"

// Modality is the kind of payload an inbound message carries.
type Modality string

const (
	ModalityText    Modality = "text"
	ModalityImage   Modality = "image"
	ModalityAudio   Modality = "audio"
	ModalityUnknown Modality = "unknown"
)

// InboundMessage is produced by a transport and consumed once by the dispatcher.
// Binary payloads are not carried inline: MediaRef is resolved through the
// transport's DownloadMedia when the dispatcher needs the bytes.
type InboundMessage struct {
	ID        string
	Channel   string
	Sender    string
	Modality  Modality
	Text      string
	MediaRef  string
	MimeType  string
	Caption   string
	Timestamp time.Time
}

// IsGroupAddress reports whether addr identifies a group conversation.
func IsGroupAddress(addr string) bool {
	return strings.HasSuffix(addr, GroupSuffix)
}
