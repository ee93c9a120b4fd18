// Package ws connects tablets over socket.io. Every connection drives its own
// game.Device on the server, and the tablet's browser does the speaking.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/storyquest/internal/clock"
	"github.com/kiliankoe/storyquest/internal/config"
	"github.com/kiliankoe/storyquest/internal/game"
	"github.com/kiliankoe/storyquest/internal/narration"
	"github.com/kiliankoe/storyquest/internal/store"
	"github.com/kiliankoe/storyquest/internal/story"
)

const opTimeout = 10 * time.Second

// ttsUnsupported is the tts:error message of a browser without speech.
const ttsUnsupported = "unsupported"

type ConnCtx struct {
	Room     string
	DeviceID string
}

type Server struct {
	store   store.Store
	catalog *story.Catalog
	config  config.Config
	clock   clock.Clock

	mu       sync.Mutex
	tablets  map[string]*tablet // socketID -> tablet
	exported map[string]bool    // room -> story exported
}

func New(s store.Store, catalog *story.Catalog, cfg config.Config) *Server {
	return &Server{
		store:    s,
		catalog:  catalog,
		config:   cfg,
		clock:    clock.Real(),
		tablets:  make(map[string]*tablet),
		exported: make(map[string]bool),
	}
}

type joinPayload struct {
	RoomID     string `json:"roomId"`
	DeviceID   string `json:"deviceId"`
	StoryTitle string `json:"storyTitle"`
	Difficulty string `json:"difficulty"`
	Avatar     string `json:"avatar"`
}

// Mount attaches Socket.IO server with handlers to the given Gin engine.
func (srv *Server) Mount(r *gin.Engine) *socketio.Server {
	io := socketio.NewServer(nil)

	io.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext(&ConnCtx{})
		log.Info().Str("sid", s.ID()).Msg("socket connected")
		return nil
	})

	io.OnEvent("/", "device:join", func(s socketio.Conn, payload joinPayload) map[string]any {
		resp := srv.join(s.ID(), s, payload)
		if _, failed := resp["error"]; !failed {
			s.SetContext(&ConnCtx{Room: payload.RoomID, DeviceID: resp["deviceId"].(string)})
			s.Join(payload.RoomID)
		}
		return resp
	})

	io.OnEvent("/", "device:start", func(s socketio.Conn) map[string]any {
		return srv.start(s.ID(), s)
	})

	io.OnEvent("/", "game:select", func(s socketio.Conn, payload struct {
		Word string `json:"word"`
	}) map[string]any {
		return srv.selectWord(s.ID(), s, payload.Word)
	})

	io.OnEvent("/", "tts:voices", func(s socketio.Conn, payload struct {
		Voices []narration.Voice `json:"voices"`
	}) map[string]any {
		return srv.voices(s.ID(), s, payload.Voices)
	})

	io.OnEvent("/", "tts:end", func(s socketio.Conn, payload struct {
		ID string `json:"id"`
	}) {
		srv.ttsDone(s.ID(), payload.ID, "")
	})

	io.OnEvent("/", "tts:error", func(s socketio.Conn, payload struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}) {
		if payload.Message == "" {
			payload.Message = "unknown error"
		}
		srv.ttsDone(s.ID(), payload.ID, payload.Message)
	})

	io.OnError("/", func(s socketio.Conn, e error) {
		if s == nil {
			log.Error().Err(e).Msg("socket error")
			return
		}
		log.Error().Str("sid", s.ID()).Err(e).Msg("socket error")
	})
	io.OnDisconnect("/", func(s socketio.Conn, reason string) {
		srv.leave(s.ID())
		log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	go func() {
		if err := io.Serve(); err != nil {
			log.Error().Err(err).Msg("socket.io serve")
		}
	}()

	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))

	// Basic CORS preflight for Socket.IO POST
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}

// Close releases every connected tablet.
func (srv *Server) Close() {
	srv.mu.Lock()
	tablets := srv.tablets
	srv.tablets = make(map[string]*tablet)
	srv.mu.Unlock()
	for _, t := range tablets {
		t.device.Close()
	}
}

func (srv *Server) join(sid string, out emitter, p joinPayload) map[string]any {
	p.RoomID = strings.TrimSpace(p.RoomID)
	if p.RoomID == "" {
		return srv.err(out, "bad_request", "roomId is required")
	}
	if p.DeviceID == "" {
		p.DeviceID = uuid.NewString()
	}
	srv.leave(sid)

	t := &tablet{srv: srv, out: out, speech: newSocketSpeech(out)}
	t.device = game.NewDevice(game.DeviceConfig{
		Room:              p.RoomID,
		DeviceID:          p.DeviceID,
		Store:             srv.store,
		Catalog:           srv.catalog,
		Clock:             srv.clock,
		Speech:            t.speech,
		TurnIdle:          srv.config.TurnIdle,
		Highlight:         srv.config.Highlight,
		RevealDelay:       srv.config.RevealDelay,
		Listener:          t,
		NarrationListener: t,
	})
	t.device.Open()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	n, err := t.device.Join(ctx, p.Avatar, p.StoryTitle, story.ParseDifficulty(p.Difficulty))
	if err != nil {
		t.device.Close()
		log.Warn().Err(err).Str("sid", sid).Str("room", p.RoomID).Msg("device:join")
		return srv.err(out, game.Code(err), err.Error())
	}

	srv.mu.Lock()
	srv.tablets[sid] = t
	srv.mu.Unlock()
	log.Info().Str("sid", sid).Str("room", p.RoomID).Int("player", n).Msg("device:join")
	return map[string]any{"playerNumber": n, "deviceId": p.DeviceID, "avatar": p.Avatar}
}

func (srv *Server) start(sid string, out emitter) map[string]any {
	t := srv.tablet(sid)
	if t == nil {
		return srv.err(out, game.Code(game.ErrNotJoined), game.ErrNotJoined.Error())
	}
	t.device.Start()
	return map[string]any{"ok": true}
}

func (srv *Server) selectWord(sid string, out emitter, word string) map[string]any {
	t := srv.tablet(sid)
	if t == nil {
		return srv.err(out, game.Code(game.ErrNotJoined), game.ErrNotJoined.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := t.device.SelectWord(ctx, word); err != nil {
		log.Debug().Err(err).Str("sid", sid).Str("word", word).Msg("game:select rejected")
		return srv.err(out, game.Code(err), err.Error())
	}
	log.Info().Str("sid", sid).Str("room", t.device.Room()).Str("word", word).Msg("game:select")
	return map[string]any{"ok": true}
}

func (srv *Server) voices(sid string, out emitter, voices []narration.Voice) map[string]any {
	t := srv.tablet(sid)
	if t == nil {
		return srv.err(out, game.Code(game.ErrNotJoined), game.ErrNotJoined.Error())
	}
	t.speech.SetVoices(voices)
	return map[string]any{"ok": true}
}

func (srv *Server) ttsDone(sid, id, failure string) {
	t := srv.tablet(sid)
	if t == nil {
		return
	}
	if failure == ttsUnsupported {
		// The browser has no speech engine; stop queueing instead of retrying.
		log.Warn().Str("sid", sid).Msg("tablet cannot speak")
		t.device.Narration().Capability().MarkUnavailable()
	}
	if !t.speech.finish(id, failure) {
		log.Debug().Str("sid", sid).Str("id", id).Msg("tts event for unknown utterance")
	}
}

func (srv *Server) leave(sid string) {
	srv.mu.Lock()
	t := srv.tablets[sid]
	delete(srv.tablets, sid)
	srv.mu.Unlock()
	if t != nil {
		t.device.Close()
	}
}

func (srv *Server) tablet(sid string) *tablet {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.tablets[sid]
}

func (srv *Server) exportOnce(room string, s game.Session, roster []game.Member) {
	if !srv.config.ExportEnabled {
		return
	}
	srv.mu.Lock()
	done := srv.exported[room]
	srv.exported[room] = true
	srv.mu.Unlock()
	if done {
		return
	}
	if err := game.ExportStory(room, s, roster, srv.config.ExportFile); err != nil {
		log.Error().Err(err).Str("room", room).Msg("failed to export story")
		return
	}
	log.Info().Str("room", room).Str("file", srv.config.ExportFile).Msg("exported story")
}

func (srv *Server) err(out emitter, code, message string) map[string]any {
	out.Emit("error", map[string]any{"code": code, "message": message})
	return map[string]any{"error": code, "message": message}
}

// tablet is one connected device. It relays device events to the socket.
type tablet struct {
	srv    *Server
	out    emitter
	speech *socketSpeech
	device *game.Device
}

func (t *tablet) OnTurnChanged(turn int, mine bool) {
	t.out.Emit("game:turn", map[string]any{"turn": turn, "mine": mine})
}

func (t *tablet) OnSectionChanged(s game.Session, words []string) {
	t.out.Emit("game:section", map[string]any{
		"index":            s.CurrentSectionIndex,
		"total":            s.NumberOfPhrases,
		"phrase":           s.CurrentPhrase,
		"completedPhrases": s.CompletedPhrases,
		"completedImages":  s.CompletedImages,
	})
	if words == nil {
		words = []string{}
	}
	t.out.Emit("game:words", map[string]any{"words": words})
}

func (t *tablet) OnHighlight(turn int, avatar string, on bool) {
	t.out.Emit("game:highlight", map[string]any{"turn": turn, "avatar": avatar, "on": on})
}

func (t *tablet) OnStoryCompleted(s game.Session) {
	roster := t.device.View().Roster()
	t.out.Emit("game:completed", map[string]any{
		"storyTitle":       s.StoryTitle,
		"completedPhrases": s.CompletedPhrases,
		"completedImages":  s.CompletedImages,
		"players":          roster,
	})
	t.srv.exportOnce(t.device.Room(), s, roster)
}

func (t *tablet) OnStale(err error) {
	t.out.Emit("error", map[string]any{"code": game.Code(err), "message": err.Error()})
}

func (t *tablet) OnNarrationQueued(kind narration.Kind) {
	t.out.Emit("narration:queued", map[string]any{"kind": kind})
}

func (t *tablet) OnNarrationStarted(kind narration.Kind) {
	t.out.Emit("narration:started", map[string]any{"kind": kind})
}

func (t *tablet) OnNarrationFinished(kind narration.Kind) {
	t.out.Emit("narration:finished", map[string]any{"kind": kind})
}
