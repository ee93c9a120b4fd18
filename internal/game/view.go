package game

import (
	"sort"
	"sync"

	"github.com/kiliankoe/storyquest/internal/store"
	"github.com/kiliankoe/storyquest/internal/story"
)

// Changes is what one reconciliation changed in the displayed state.
type Changes struct {
	StoryLoaded     bool
	SectionAdvanced bool
	PhraseChanged   bool
	TurnChanged     bool
	// Completed is set on the transition into the completed state.
	Completed bool
	// Acknowledged is set when the final readback acknowledgment appears.
	Acknowledged bool
}

func (c Changes) Any() bool {
	return c.StoryLoaded || c.SectionAdvanced || c.PhraseChanged || c.TurnChanged || c.Completed || c.Acknowledged
}

// Member is one roster entry.
type Member struct {
	DeviceID     string `json:"deviceId"`
	Avatar       string `json:"avatar"`
	PlayerNumber int    `json:"playerNumber"`
}

// View is a device's projection of the shared session and roster. The
// displayed session may run ahead of the last snapshot while a local
// selection is being written; any snapshot replaces it.
type View struct {
	mu       sync.Mutex
	catalog  *story.Catalog
	story    *story.Story
	title    string
	auth     Session
	shown    Session
	loaded   bool
	roster   map[int]Member
	stale    bool
	staleErr error
}

func NewView(catalog *story.Catalog) *View {
	return &View{catalog: catalog, roster: map[int]Member{}}
}

// ApplySession reconciles a session snapshot into the view.
func (v *View) ApplySession(snap store.Snapshot) (Changes, error) {
	if !snap.Exists {
		return Changes{}, nil
	}
	var s Session
	if err := snap.Decode(&s); err != nil {
		return Changes{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stale, v.staleErr = false, nil

	var c Changes
	if !v.loaded || v.title != s.StoryTitle {
		v.story = v.catalog.Lookup(s.StoryTitle)
		v.title = s.StoryTitle
		v.loaded = true
		c = Changes{
			StoryLoaded:     true,
			SectionAdvanced: true,
			PhraseChanged:   true,
			TurnChanged:     true,
			Completed:       s.Completed(),
			Acknowledged:    s.NarrationAcknowledged,
		}
	} else {
		c = diff(v.shown, s)
	}
	v.auth = s
	v.shown = s
	return c, nil
}

// Optimistic displays next ahead of the store.
func (v *View) Optimistic(next Session) Changes {
	v.mu.Lock()
	defer v.mu.Unlock()
	c := diff(v.shown, next)
	v.shown = next
	return c
}

// Rollback drops optimistic state in favour of the last snapshot.
func (v *View) Rollback() Changes {
	v.mu.Lock()
	defer v.mu.Unlock()
	c := diff(v.shown, v.auth)
	v.shown = v.auth
	return c
}

func diff(prev, next Session) Changes {
	return Changes{
		SectionAdvanced: prev.CurrentSectionIndex != next.CurrentSectionIndex,
		PhraseChanged:   prev.CurrentSectionIndex != next.CurrentSectionIndex || prev.CurrentPhrase != next.CurrentPhrase,
		TurnChanged:     prev.CurrentTurn != next.CurrentTurn,
		Completed:       next.Completed() && !prev.Completed(),
		Acknowledged:    next.NarrationAcknowledged && !prev.NarrationAcknowledged,
	}
}

// ApplyRoster rebuilds the player mapping from the full roster.
func (v *View) ApplyRoster(snaps []store.Snapshot) error {
	roster := make(map[int]Member, len(snaps))
	for _, snap := range snaps {
		var p Profile
		if err := snap.Decode(&p); err != nil {
			return err
		}
		if p.PlayerNumber < 1 || p.PlayerNumber > MaxSlots {
			continue
		}
		roster[p.PlayerNumber] = Member{DeviceID: snap.ID(), Avatar: p.Avatar, PlayerNumber: p.PlayerNumber}
	}
	v.mu.Lock()
	v.roster = roster
	v.stale, v.staleErr = false, nil
	v.mu.Unlock()
	return nil
}

// Fail marks the view stale. The last known state stays displayed.
func (v *View) Fail(err error) {
	v.mu.Lock()
	v.stale, v.staleErr = true, err
	v.mu.Unlock()
}

func (v *View) Stale() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stale, v.staleErr
}

// Loaded reports whether a session snapshot has been seen.
func (v *View) Loaded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loaded
}

// Session returns the displayed session.
func (v *View) Session() Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shown
}

// Authoritative returns the last session snapshot.
func (v *View) Authoritative() Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.auth
}

func (v *View) Story() *story.Story {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.story
}

// Section returns the section being played, if any.
func (v *View) Section() (story.Section, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.story == nil || v.shown.Completed() {
		return story.Section{}, false
	}
	played := v.story.Played(v.shown.Difficulty)
	i := v.shown.CurrentSectionIndex
	if i < 0 || i >= len(played) {
		return story.Section{}, false
	}
	return played[i], true
}

// Roster returns members ordered by player number.
func (v *View) Roster() []Member {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Member, 0, len(v.roster))
	for _, m := range v.roster {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerNumber < out[j].PlayerNumber })
	return out
}

// AvatarFor returns the avatar of player n.
func (v *View) AvatarFor(n int) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.roster[n].Avatar
}

// Taken reports whether another device already shows avatar in the roster.
func (v *View) Taken(avatar, device string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.roster {
		if m.Avatar == avatar && m.DeviceID != device {
			return true
		}
	}
	return false
}
