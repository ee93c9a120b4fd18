package game

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ExportStory appends a completed story to a text file
func ExportStory(room string, s Session, roster []Member, filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	fileExists := false
	if _, err := os.Stat(filename); err == nil {
		fileExists = true
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var sb strings.Builder
	if fileExists {
		sb.WriteString("\n\n") // spacing between stories
	}
	sb.WriteString(fmt.Sprintf("StoryQuest - Room %s\n", room))
	sb.WriteString(fmt.Sprintf("Story: %s (%s, %d phrases)\n", s.StoryTitle, s.Difficulty, s.NumberOfPhrases))
	sb.WriteString(strings.Repeat("=", 50) + "\n\n")

	if len(roster) > 0 {
		sb.WriteString("Players:\n")
		for _, m := range roster {
			name, _ := AvatarName(m.Avatar)
			sb.WriteString(fmt.Sprintf("- Player %d: %s %s\n", m.PlayerNumber, m.Avatar, name))
		}
		sb.WriteString("\n")
	}

	for i, p := range s.CompletedPhrases {
		sb.WriteString(fmt.Sprintf("%2d. %s\n", i+1, p))
	}
	sb.WriteString(EndPhrase + "\n")

	if len(s.SelectedWords) > 0 {
		sb.WriteString("\nWords:\n")
		for _, w := range s.SelectedWords {
			sb.WriteString(fmt.Sprintf("- %s %s (%s)\n", w.Player, w.Word, w.Timestamp.Local().Format("15:04:05")))
		}
	}
	if len(s.TurnReminders) > 0 {
		sb.WriteString(fmt.Sprintf("\nTurn reminders: %d\n", len(s.TurnReminders)))
	}

	sb.WriteString(fmt.Sprintf("\nFinished at %s\n", s.LastUpdated.Local().Format(time.DateTime)))
	sb.WriteString(strings.Repeat("=", 50) + "\n")

	if _, err := file.WriteString(sb.String()); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}
