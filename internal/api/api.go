// Package api serves the HTTP side of StoryQuest: the story catalog, room
// setup, join codes and finished storybooks.
package api

import (
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/kiliankoe/storyquest/internal/config"
	"github.com/kiliankoe/storyquest/internal/game"
	"github.com/kiliankoe/storyquest/internal/store"
	"github.com/kiliankoe/storyquest/internal/story"
	"github.com/kiliankoe/storyquest/internal/storybook"
)

const (
	qrSize            = 320
	shortCodeAttempts = 5
)

type Handler struct {
	store   store.Store
	catalog *story.Catalog
	config  config.Config
	newCode func() string
}

func New(s store.Store, catalog *story.Catalog, cfg config.Config) *Handler {
	return &Handler{
		store:   s,
		catalog: catalog,
		config:  cfg,
		newCode: func() string { return randomCode(5) },
	}
}

// Register adds the API routes to r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	})
	api := r.Group("/api")
	api.GET("/stories", h.stories)
	api.POST("/rooms", h.createRoom)
	api.GET("/rooms/:room", h.room)
	api.GET("/rooms/:room/qr.png", h.qr)
	api.GET("/rooms/:room/storybook.pdf", h.storybook)
}

type storySummary struct {
	Title      string           `json:"title"`
	Sections   int              `json:"sections"`
	ColorTheme story.ColorTheme `json:"colorTheme"`
	Phrases    map[string]int   `json:"phrases"`
	Background string           `json:"backgroundImage,omitempty"`
}

func (h *Handler) stories(c *gin.Context) {
	out := []storySummary{}
	for _, title := range h.catalog.Titles() {
		st := h.catalog.Lookup(title)
		if st == nil {
			continue
		}
		phrases := map[string]int{}
		for _, d := range []story.Difficulty{story.Easy, story.Medium, story.Hard} {
			phrases[string(d)] = len(st.Played(d))
		}
		out = append(out, storySummary{
			Title:      st.Title,
			Sections:   len(st.Sections),
			ColorTheme: st.ColorTheme,
			Phrases:    phrases,
			Background: st.BackgroundImage,
		})
	}
	c.JSON(http.StatusOK, gin.H{"stories": out})
}

type createRoomReq struct {
	StoryTitle string `json:"storyTitle"`
	Difficulty string `json:"difficulty"`
	NumPlayers int    `json:"numPlayers"`
}

func (h *Handler) createRoom(c *gin.Context) {
	var req createRoomReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if req.NumPlayers < 1 || req.NumPlayers > game.MaxSlots {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_players"})
		return
	}
	st, err := h.catalog.Get(req.StoryTitle)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_story"})
		return
	}
	data, err := store.Encode(game.Room{
		NumPlayers: req.NumPlayers,
		StoryTitle: st.Title,
		Difficulty: story.ParseDifficulty(req.Difficulty),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	// Short codes first; a uuid-derived code when those keep colliding.
	for attempt := 0; attempt <= shortCodeAttempts; attempt++ {
		code := h.newCode()
		if attempt == shortCodeAttempts {
			code = uuidCode()
		}
		err = h.store.Transact(c.Request.Context(), func(tx store.Tx) error {
			tx.Create(game.RoomPath(code), data)
			return nil
		})
		if errors.Is(err, store.ErrAlreadyExists) {
			log.Debug().Str("room", code).Msg("room code taken")
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("create room")
			c.JSON(statusFor(err), gin.H{"error": game.Code(err)})
			return
		}
		log.Info().Str("room", code).Str("story", st.Title).Int("players", req.NumPlayers).Msg("room created")
		c.JSON(http.StatusOK, gin.H{"roomId": code, "joinUrl": h.config.JoinURL(code)})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no_free_code"})
}

func (h *Handler) room(c *gin.Context) {
	room := c.Param("room")
	ctx := c.Request.Context()
	snap, err := h.store.Get(ctx, game.SessionPath(room))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": game.Code(err)})
		return
	}
	if !snap.Exists {
		rs, err := h.store.Get(ctx, game.RoomPath(room))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": game.Code(err)})
			return
		}
		if !rs.Exists {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		var r game.Room
		if err := rs.Decode(&r); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"room": r, "players": []game.Member{}})
		return
	}
	var s game.Session
	if err := snap.Decode(&s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	roster, err := h.roster(c, room)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": game.Code(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": s,
		"players": roster,
		"waiting": s.Occupied() < s.MaxPlayers,
		"version": snap.Version,
	})
}

func (h *Handler) qr(c *gin.Context) {
	room := strings.TrimSpace(c.Param("room"))
	if room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_room"})
		return
	}
	png, err := qrcode.Encode(h.config.JoinURL(room), qrcode.Medium, qrSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "qr_failed"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) storybook(c *gin.Context) {
	room := c.Param("room")
	snap, err := h.store.Get(c.Request.Context(), game.SessionPath(room))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": game.Code(err)})
		return
	}
	if !snap.Exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	var s game.Session
	if err := snap.Decode(&s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	if !s.Completed() {
		c.JSON(http.StatusConflict, gin.H{"error": "story_in_progress"})
		return
	}
	roster, err := h.roster(c, room)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": game.Code(err)})
		return
	}
	pdf, err := storybook.Generate(s, h.catalog.Lookup(s.StoryTitle), roster)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("storybook")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pdf_failed"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+room+`-storybook.pdf"`)
	c.Data(http.StatusOK, "application/pdf", pdf)
}

func (h *Handler) roster(c *gin.Context, room string) ([]game.Member, error) {
	snaps, err := h.store.List(c.Request.Context(), game.PlayersCollection(room))
	if err != nil {
		return nil, err
	}
	v := game.NewView(h.catalog)
	if err := v.ApplyRoster(snaps); err != nil {
		return nil, err
	}
	return v.Roster(), nil
}

func statusFor(err error) int {
	if errors.Is(err, store.ErrUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// uuidCode is 8 upper-case hex characters taken from a random uuid.
func uuidCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func randomCode(n int) string {
	letters := []rune("ABCDEFGHJKLMNPQRSTUVWXYZ23456789")
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
