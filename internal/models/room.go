// internal/models/room.go
package models

import "sort"

// Participant is one player's entry under room/{pin}/participants/{id}.
type Participant struct {
	ID       string `json:"-"`
	Name     string `json:"name"`
	Ready    bool   `json:"ready"`
	JoinedAt int64  `json:"joinedAt,omitempty"`
}

// Room mirrors the document stored at room/{pin}.
type Room struct {
	CreatedAt        int64                  `json:"createdAt"`
	HostID           string                 `json:"hostId"`
	Participants     map[string]Participant `json:"participants"`
	GameStarted      bool                   `json:"gameStarted"`
	CurrentGameIndex *int                   `json:"currentGameIndex,omitempty"`
	ExitedPlayers    int                    `json:"exitedPlayers"`
	ExitedBy         map[string]bool        `json:"exitedBy,omitempty"`
	Selfies          map[string]string      `json:"selfies,omitempty"`

	MemoryGame          *MemoryGame              `json:"memoryGame,omitempty"`
	FaceSwaps           map[string]FaceSwapEntry `json:"faceSwaps,omitempty"`
	CurrentLoveQuestion string                   `json:"currentLoveQuestion,omitempty"`
	ReadyStatus         map[string]bool          `json:"readyStatus,omitempty"`
	LoveQuestionsDone   bool                     `json:"loveQuestionsDone,omitempty"`
	PersonalQuestion    *PersonalQuestion        `json:"personalQuestion,omitempty"`
	PhotoEscape         *PhotoEscape             `json:"photoEscape,omitempty"`
}

// Roster is the participant list ordered by join time, then id.
type Roster []Participant

// RosterOf orders a participants map into a Roster.
func RosterOf(participants map[string]Participant) Roster {
	r := make(Roster, 0, len(participants))
	for id, p := range participants {
		p.ID = id
		r = append(r, p)
	}
	sort.Slice(r, func(i, j int) bool {
		if r[i].JoinedAt != r[j].JoinedAt {
			return r[i].JoinedAt < r[j].JoinedAt
		}
		return r[i].ID < r[j].ID
	})
	return r
}

// Names returns display names in roster order.
func (r Roster) Names() []string {
	names := make([]string, 0, len(r))
	for _, p := range r {
		names = append(names, p.Name)
	}
	return names
}

// Other returns the first participant name that is not name.
func (r Roster) Other(name string) (string, bool) {
	for _, p := range r {
		if p.Name != name {
			return p.Name, true
		}
	}
	return "", false
}

// Has reports whether id is on the roster.
func (r Roster) Has(id string) bool {
	for _, p := range r {
		if p.ID == id {
			return true
		}
	}
	return false
}
