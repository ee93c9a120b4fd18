package game

import (
	"fmt"
	"time"

	"github.com/kiliankoe/storyquest/internal/story"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// EndPhrase replaces the phrase template once the story is complete.
const EndPhrase = "The End!"

const (
	// MaxSlots is the number of player slot fields on a session.
	MaxSlots          = 4
	DefaultMaxPlayers = 4
)

// Session is the shared document at games/{room}.
type Session struct {
	StoryTitle            string           `json:"storyTitle"`
	MaxPlayers            int              `json:"maxPlayers"`
	CurrentTurn           int              `json:"currentTurn"`
	CurrentSectionIndex   int              `json:"currentSectionIndex"`
	CurrentPhrase         string           `json:"currentPhrase"`
	CompletedPhrases      []string         `json:"completedPhrases"`
	CompletedImages       []ImagePlacement `json:"completedImages"`
	SelectedWords         []WordSelection  `json:"selectedWords"`
	TurnReminders         []TurnReminder   `json:"turnReminders"`
	Difficulty            story.Difficulty `json:"difficulty"`
	NumberOfPhrases       int              `json:"numberOfPhrases"`
	GameStatus            Status           `json:"gameStatus"`
	LastWordSelected      *WordSelection   `json:"lastWordSelected,omitempty"`
	NarrationAcknowledged bool             `json:"narrationAcknowledged"`
	Player1ID             string           `json:"player1Id,omitempty"`
	Player2ID             string           `json:"player2Id,omitempty"`
	Player3ID             string           `json:"player3Id,omitempty"`
	Player4ID             string           `json:"player4Id,omitempty"`
	LastUpdated           time.Time        `json:"lastUpdated"`
}

// WordSelection is one entry of the append-only selection log.
type WordSelection struct {
	Word      string    `json:"word"`
	Timestamp time.Time `json:"timestamp"`
	Player    string    `json:"player"`
}

// ImagePlacement is the scene decoration a selected word adds.
type ImagePlacement struct {
	Src string  `json:"src"`
	Alt string  `json:"alt"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
}

// TurnReminder records an inactivity announcement.
type TurnReminder struct {
	PlayerAvatar string    `json:"playerAvatar"`
	ReminderTime time.Time `json:"reminderTime"`
}

// Room is the document at rooms/{room}, written when a room is set up.
type Room struct {
	NumPlayers int              `json:"numPlayers"`
	StoryTitle string           `json:"storyTitle"`
	Difficulty story.Difficulty `json:"difficulty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// Profile is the roster record at games/{room}/players/{device}.
type Profile struct {
	Avatar       string    `json:"avatar"`
	PlayerNumber int       `json:"playerNumber"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// AvatarClaim is the duplicate-key guard at games/{room}/avatars/{avatar}.
type AvatarClaim struct {
	DeviceID  string    `json:"deviceId"`
	ClaimedAt time.Time `json:"claimedAt"`
}

// Slot returns the device holding player number n.
func (s Session) Slot(n int) string {
	switch n {
	case 1:
		return s.Player1ID
	case 2:
		return s.Player2ID
	case 3:
		return s.Player3ID
	case 4:
		return s.Player4ID
	}
	return ""
}

// SlotOf returns the player number held by device, or 0.
func (s Session) SlotOf(device string) int {
	for n := 1; n <= MaxSlots; n++ {
		if s.Slot(n) == device {
			return n
		}
	}
	return 0
}

// Occupied counts filled slots.
func (s Session) Occupied() int {
	n := 0
	for i := 1; i <= MaxSlots; i++ {
		if s.Slot(i) != "" {
			n++
		}
	}
	return n
}

func (s Session) Completed() bool {
	return s.GameStatus == StatusCompleted || s.CurrentPhrase == EndPhrase
}

func slotField(n int) string {
	return fmt.Sprintf("player%dId", n)
}

// Avatar is one of the symbols a player can pick.
type Avatar struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

var Avatars = []Avatar{
	{Symbol: "🐯", Name: "Tiger"},
	{Symbol: "🐻", Name: "Bear"},
	{Symbol: "🦄", Name: "Unicorn"},
	{Symbol: "🐰", Name: "Rabbit"},
	{Symbol: "🐬", Name: "Dolphin"},
	{Symbol: "🦋", Name: "Butterfly"},
}

// AvatarName returns the spoken name of an avatar symbol.
func AvatarName(symbol string) (string, bool) {
	for _, a := range Avatars {
		if a.Symbol == symbol {
			return a.Name, true
		}
	}
	return "", false
}

// Announcement is the turn reminder spoken for player n.
func Announcement(n int, avatar string) string {
	if name, ok := AvatarName(avatar); ok {
		return fmt.Sprintf("Player %d, %s, it's your turn!", n, name)
	}
	return fmt.Sprintf("Player %d, it's your turn!", n)
}
