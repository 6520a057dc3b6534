package domain

import (
	"errors"
	"strings"
	"time"
)

// Kind classifies a progress report by its richest attachment.
type Kind string

const (
	KindText  Kind = "text"
	KindLink  Kind = "link"
	KindMedia Kind = "media"
)

// ErrEmptyReport is returned when a report carries no text, media, or link.
var ErrEmptyReport = errors.New("progress report needs text, media, or a link")

// Report is a participant's update on a challenge before proof is submitted.
type Report struct {
	ID          string
	ChallengeID string
	UserID      string
	Kind        Kind
	Text        string
	MediaURL    string
	ExternalURL string
	CreatedAt   time.Time
}

// NewReport trims the inputs and derives Kind: link beats media beats text.
func NewReport(id, challengeID, userID, text, mediaURL, externalURL string, now time.Time) (*Report, error) {
	text = strings.TrimSpace(text)
	mediaURL = strings.TrimSpace(mediaURL)
	externalURL = strings.TrimSpace(externalURL)
	if text == "" && mediaURL == "" && externalURL == "" {
		return nil, ErrEmptyReport
	}
	kind := KindText
	switch {
	case externalURL != "":
		kind = KindLink
	case mediaURL != "":
		kind = KindMedia
	}
	return &Report{
		ID:          id,
		ChallengeID: challengeID,
		UserID:      userID,
		Kind:        kind,
		Text:        text,
		MediaURL:    mediaURL,
		ExternalURL: externalURL,
		CreatedAt:   now,
	}, nil
}
