package game

import "github.com/kiliankoe/storyquest/internal/store"

func SessionPath(room string) string { return store.Join("games", room) }

func RoomPath(room string) string { return store.Join("rooms", room) }

func PlayersCollection(room string) string { return store.Join("games", room, "players") }

func PlayerPath(room, device string) string { return store.Join("games", room, "players", device) }

func AvatarPath(room, avatar string) string { return store.Join("games", room, "avatars", avatar) }
