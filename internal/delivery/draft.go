package delivery

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	// MaxPhotos is the largest media group the platform accepts.
	MaxPhotos = 10
	// MaxTextRunes keeps a text post in a single message.
	MaxTextRunes = 4000
	// MaxCaptionRunes is the platform limit for a media caption.
	MaxCaptionRunes = 1024
)

var (
	ErrEmptyDraft    = errors.New("draft text is empty")
	ErrTooManyPhotos = errors.New("draft has too many photos")
	ErrTextTooLong   = errors.New("draft text is too long")
)

// Draft is one announcement: text plus zero or more ordered photo handles.
type Draft struct {
	Text   string
	Photos []string
}

func (d Draft) Validate() error {
	if strings.TrimSpace(d.Text) == "" {
		return ErrEmptyDraft
	}
	if len(d.Photos) > MaxPhotos {
		return ErrTooManyPhotos
	}
	limit := MaxTextRunes
	if len(d.Photos) > 0 {
		limit = MaxCaptionRunes
	}
	if utf8.RuneCountInString(d.Text) > limit {
		return ErrTextTooLong
	}
	return nil
}

// Clone returns a copy that does not share the photo slice.
func (d Draft) Clone() Draft {
	d.Photos = append([]string(nil), d.Photos...)
	return d
}
