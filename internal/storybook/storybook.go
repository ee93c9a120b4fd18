// Package storybook renders a finished story as a printable PDF: the scene
// with every placed word, followed by the story text.
package storybook

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jung-kurt/gofpdf/v2"

	"github.com/kiliankoe/storyquest/internal/game"
	"github.com/kiliankoe/storyquest/internal/story"
)

const (
	pageW     = 595
	pageH     = 842
	margin    = 40
	sceneH    = 300.0
	markR     = 14.0
	titleSize = 22
	textSize  = 13
	labelSize = 8
)

var ErrNotCompleted = errors.New("story is not completed yet")

// Generate returns PDF bytes for a completed session. st supplies the colour
// theme and may be nil.
func Generate(s game.Session, st *story.Story, roster []game.Member) ([]byte, error) {
	if !s.Completed() {
		return nil, ErrNotCompleted
	}

	pdf := gofpdf.New("P", "pt", "A4", "")
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, margin)
	pdf.SetTitle(s.StoryTitle, true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	bg, accent := [3]int{250, 246, 235}, [3]int{60, 90, 160}
	if st != nil {
		if c, ok := parseHex(st.ColorTheme.BackgroundColor); ok {
			bg = c
		}
		if c, ok := parseHex(st.ColorTheme.ButtonColor); ok {
			accent = c
		}
	}

	pdf.SetTextColor(accent[0], accent[1], accent[2])
	pdf.SetFont("Helvetica", "B", titleSize)
	pdf.CellFormat(0, 30, tr(s.StoryTitle), "", 1, "C", false, 0, "")
	if names := authors(roster); names != "" {
		pdf.SetFont("Helvetica", "I", textSize-2)
		pdf.SetTextColor(90, 90, 90)
		pdf.CellFormat(0, 16, tr("A story by "+names), "", 1, "C", false, 0, "")
	}
	pdf.Ln(10)

	drawScene(pdf, tr, s.CompletedImages, bg, accent)

	pdf.SetY(margin + 80 + sceneH)
	pdf.SetTextColor(30, 30, 30)
	pdf.SetFont("Helvetica", "", textSize)
	for _, p := range s.CompletedPhrases {
		pdf.MultiCell(0, textSize+6, tr(p), "", "L", false)
	}
	pdf.Ln(6)
	pdf.SetFont("Helvetica", "B", textSize+2)
	pdf.SetTextColor(accent[0], accent[1], accent[2])
	pdf.CellFormat(0, 20, game.EndPhrase, "", 1, "C", false, 0, "")

	if len(s.SelectedWords) > 0 {
		pdf.Ln(6)
		pdf.SetFont("Helvetica", "", labelSize+1)
		pdf.SetTextColor(110, 110, 110)
		var words []string
		for _, w := range s.SelectedWords {
			words = append(words, w.Word)
		}
		pdf.MultiCell(0, labelSize+4, tr("Words chosen: "+strings.Join(words, ", ")), "", "C", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render storybook: %w", err)
	}
	return buf.Bytes(), nil
}

// drawScene lays out the placed words on a framed stage. Placements are in
// percent of the stage.
func drawScene(pdf *gofpdf.Fpdf, tr func(string) string, images []game.ImagePlacement, bg, accent [3]int) {
	x, y := float64(margin), float64(margin)+70
	w := float64(pageW - 2*margin)

	pdf.SetFillColor(bg[0], bg[1], bg[2])
	pdf.SetDrawColor(accent[0], accent[1], accent[2])
	pdf.SetLineWidth(2)
	pdf.RoundedRect(x, y, w, sceneH, 12, "1234", "FD")
	pdf.SetLineWidth(1)

	for _, img := range images {
		cx := x + clampPct(img.X)/100*w
		cy := y + clampPct(img.Y)/100*sceneH
		pdf.SetFillColor(255, 255, 255)
		pdf.Circle(cx, cy, markR, "FD")
		pdf.SetFont("Helvetica", "B", labelSize)
		pdf.SetTextColor(accent[0], accent[1], accent[2])
		pdf.SetXY(cx-40, cy+markR+2)
		pdf.CellFormat(80, labelSize+2, tr(img.Alt), "", 0, "C", false, 0, "")
	}
}

func authors(roster []game.Member) string {
	var names []string
	for _, m := range roster {
		if name, ok := game.AvatarName(m.Avatar); ok {
			names = append(names, name)
		}
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	}
	return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func parseHex(s string) ([3]int, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return [3]int{}, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return [3]int{}, false
	}
	return [3]int{int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff)}, true
}
