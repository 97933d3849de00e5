// Package store provides durable conversation storage.
package store

import (
	"strings"
	"time"
)

// AnonymousName is the canonical sentinel meaning "no name yet". All
// placeholder comparisons go through IsAnonymous so the check is
// case-insensitive and applied uniformly.
const AnonymousName = "Usuário Anônimo"

// noNameFound is a legacy sentinel some extraction paths emitted
// instead of an empty result. Treated the same as AnonymousName.
const noNameFound = "nenhum nome encontrado"

// IsAnonymous reports whether name is empty or a placeholder rather
// than a real user name.
func IsAnonymous(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	return n == "" ||
		n == strings.ToLower(AnonymousName) ||
		n == "anônimo" ||
		n == "anonymous" ||
		n == noNameFound
}

// Turn is one logged message within a conversation.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // user, assistant
	Content        string    `json:"content"`
	UserName       string    `json:"user_name"`
	Persona        string    `json:"persona"`
	CreatedAt      time.Time `json:"created_at"`
}

// TurnFilter narrows a QueryTurns call. Zero values mean "no filter".
type TurnFilter struct {
	Role    string
	Content string // substring match
	Start   time.Time
	End     time.Time
	Limit   int // default 50
}

// WhatsAppMessage is one ingested WhatsApp record.
type WhatsAppMessage struct {
	ID          string    `json:"id"`
	SenderName  string    `json:"sender_name"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	ProcessedAt time.Time `json:"processed_at"`
}

// WhatsAppFilter narrows a WhatsApp history query.
type WhatsAppFilter struct {
	SenderName string // substring match, case-insensitive
	Content    string // substring match, case-insensitive
	Start      time.Time
	End        time.Time
	Limit      int // default 10
}

// Account is a login account for the web layer.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	UserName     string    `json:"user_name"`
	LoginCount   int       `json:"login_count"`
	CreatedAt    time.Time `json:"created_at"`
}
