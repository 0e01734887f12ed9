// internal/models/paths.go
package models

// Store paths for a room document. Everything a room owns lives under RoomPath(pin).
func RoomPath(pin string) string             { return "room/" + pin }
func ParticipantsPath(pin string) string     { return RoomPath(pin) + "/participants" }
func ParticipantPath(pin, id string) string  { return ParticipantsPath(pin) + "/" + id }
func GameIndexPath(pin string) string        { return RoomPath(pin) + "/currentGameIndex" }
func GameStartedPath(pin string) string      { return RoomPath(pin) + "/gameStarted" }
func MemoryGamePath(pin string) string       { return RoomPath(pin) + "/memoryGame" }
func FaceSwapsPath(pin string) string        { return RoomPath(pin) + "/faceSwaps" }
func LoveQuestionPath(pin string) string     { return RoomPath(pin) + "/currentLoveQuestion" }
func ReadyStatusPath(pin string) string      { return RoomPath(pin) + "/readyStatus" }
func PersonalQuestionPath(pin string) string { return RoomPath(pin) + "/personalQuestion" }
func PhotoEscapePath(pin string) string      { return RoomPath(pin) + "/photoEscape" }
func SelfiePath(pin, name string) string     { return RoomPath(pin) + "/selfies/" + name }
func TriggersPath(pin string) string         { return RoomPath(pin) + "/triggers" }
