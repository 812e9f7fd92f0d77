package models

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a message
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Tier is the entitlement level of a user
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Surface is a named conversation context with its own system prompt and tools
type Surface string

const (
	SurfaceGeneral        Surface = "general"
	SurfaceAcademic       Surface = "academic"
	SurfaceWebsiteCreator Surface = "website-creator"
)

// Surfaces lists every surface in display order.
var Surfaces = []Surface{SurfaceGeneral, SurfaceAcademic, SurfaceWebsiteCreator}

// DisplayName returns the human readable surface name.
func (s Surface) DisplayName() string {
	switch s {
	case SurfaceGeneral:
		return "General"
	case SurfaceAcademic:
		return "Academic"
	case SurfaceWebsiteCreator:
		return "Website Creator"
	}
	return string(s)
}

// ParseSurface accepts a surface id, its display name or the short "website" alias.
func ParseSurface(s string) (Surface, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, " ", "-")
	switch key {
	case "general":
		return SurfaceGeneral, nil
	case "academic":
		return SurfaceAcademic, nil
	case "website-creator", "website", "websitecreator":
		return SurfaceWebsiteCreator, nil
	}
	return "", fmt.Errorf("unknown surface %q", s)
}

// User represents a registered account
type User struct {
	ID           string      `json:"id"`
	Username     string      `json:"username"`
	PasswordHash []byte      `json:"-"`
	PasswordSalt []byte      `json:"-"`
	Avatar       *Attachment `json:"avatar,omitempty"`
	Tier         Tier        `json:"tier"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Attachment is an inbound file carried by a user message
type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"type"`
	Data     string `json:"data"` // base64
	Size     int64  `json:"size"`
}

// Source is a grounding citation attached to a model turn
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Message is one turn of a conversation
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Images      []string     `json:"images,omitempty"`
	AudioRef    string       `json:"audio_ref,omitempty"`
	Sources     []Source     `json:"sources,omitempty"`
}

// ChatSession is one conversation thread scoped by user and surface
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Images != nil {
		out.Images = append([]string(nil), m.Images...)
	}
	if m.Sources != nil {
		out.Sources = append([]Source(nil), m.Sources...)
	}
	return out
}

// Clone returns a deep copy of the session.
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// MergeSources appends the incoming sources that are not already present by URI.
// Entries missing a URI or a title are dropped.
func MergeSources(dst []Source, incoming ...Source) []Source {
	seen := make(map[string]struct{}, len(dst)+len(incoming))
	for _, s := range dst {
		seen[s.URI] = struct{}{}
	}
	for _, s := range incoming {
		if s.URI == "" || s.Title == "" {
			continue
		}
		if _, ok := seen[s.URI]; ok {
			continue
		}
		seen[s.URI] = struct{}{}
		dst = append(dst, s)
	}
	return dst
}
