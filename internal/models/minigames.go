// internal/models/minigames.go
package models

import "encoding/json"

// URLField accepts either a single URL string or a list of URLs.
type URLField []string

func (u *URLField) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*u = nil
		} else {
			*u = URLField{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*u = URLField(many)
	return nil
}

// First returns the first non-empty URL.
func (u URLField) First() string {
	for _, s := range u {
		if s != "" {
			return s
		}
	}
	return ""
}

// FaceSwapEntry is one generated image pair under room/{pin}/faceSwaps/{key}.
type FaceSwapEntry struct {
	URL1 URLField `json:"url1"`
	URL2 URLField `json:"url2"`
}

// PersonalQuestionRoles assigns who answers about themself and who guesses.
type PersonalQuestionRoles struct {
	Subject string `json:"subject"`
	Guesser string `json:"guesser"`
}

// PersonalQuestion is stored at room/{pin}/personalQuestion.
type PersonalQuestion struct {
	Roles         PersonalQuestionRoles `json:"roles"`
	Question      string                `json:"question"`
	SubjectAnswer string                `json:"subjectAnswer,omitempty"`
	GuesserGuess  string                `json:"guesserGuess,omitempty"`
	Feedback      string                `json:"feedback,omitempty"`
}

// PhotoEscape is stored at room/{pin}/photoEscape.
type PhotoEscape struct {
	Item        string            `json:"item,omitempty"`
	ReadyStatus map[string]bool   `json:"readyStatus,omitempty"`
	Found       map[string]bool   `json:"found,omitempty"`
	Photos      map[string]string `json:"photos,omitempty"`
}
