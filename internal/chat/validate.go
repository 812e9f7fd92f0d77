package chat

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xaenox/slyntos/internal/models"
)

var (
	ErrBusy            = errors.New("a reply is still being generated")
	ErrEmptySubmission = errors.New("message is empty")
	ErrSessionNotFound = errors.New("chat session not found")
	ErrUpgradeRequired = errors.New("this surface requires an upgraded account")
)

// AttachmentError rejects one attachment, or the set when Name is empty.
type AttachmentError struct {
	Name   string
	Reason string
}

func (e *AttachmentError) Error() string {
	if e.Name == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Reason)
}

type Limits struct {
	MaxFiles    int
	MaxFileSize int64
}

var DefaultLimits = Limits{MaxFiles: 5, MaxFileSize: 10 << 20}

var acceptedPrefixes = []string{"image/", "video/", "audio/", "text/"}

// ValidateAttachments checks count, size and type of the files of one turn.
func ValidateAttachments(attachments []models.Attachment, limits Limits) error {
	if limits.MaxFiles > 0 && len(attachments) > limits.MaxFiles {
		return &AttachmentError{Reason: fmt.Sprintf("you can attach at most %d files", limits.MaxFiles)}
	}
	for _, a := range attachments {
		if !accepted(a) {
			return &AttachmentError{Name: a.Name, Reason: fmt.Sprintf("file type %q is not supported", a.MIMEType)}
		}
		if limits.MaxFileSize > 0 && AttachmentSize(a) > limits.MaxFileSize {
			return &AttachmentError{Name: a.Name, Reason: fmt.Sprintf("file is larger than %d MB", limits.MaxFileSize>>20)}
		}
	}
	return nil
}

func accepted(a models.Attachment) bool {
	mimeType := strings.ToLower(a.MIMEType)
	if mimeType == "" {
		return strings.EqualFold(filepath.Ext(a.Name), ".pdf")
	}
	if mimeType == "application/pdf" {
		return true
	}
	for _, p := range acceptedPrefixes {
		if strings.HasPrefix(mimeType, p) {
			return true
		}
	}
	return false
}

// AttachmentSize returns the larger of the declared size and the decoded
// size of the data. A file dropped for being too large keeps only its
// declared size.
func AttachmentSize(a models.Attachment) int64 {
	n := base64.StdEncoding.DecodedLen(len(a.Data))
	n -= len(a.Data) - len(strings.TrimRight(a.Data, "="))
	return max(a.Size, int64(max(n, 0)))
}

const DefaultTitle = "New Chat"

const titleWords = 5

// DeriveTitle names a session after the first words of its first message.
func DeriveTitle(text string) string {
	words := strings.Fields(text)
	switch {
	case len(words) == 0:
		return DefaultTitle
	case len(words) > titleWords:
		return strings.Join(words[:titleWords], " ") + "..."
	}
	return strings.Join(words, " ")
}
