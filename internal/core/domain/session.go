package domain

import "time"

type SessionID string

// StudySession is one continuous stay of a user in a room.
type StudySession struct {
	ID              SessionID  `json:"id"`
	UserID          UserID     `json:"userId"`
	RoomID          RoomID     `json:"roomId"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	DurationMinutes int        `json:"durationMinutes"`
	Completed       bool       `json:"completed"`
}

func (s *StudySession) Open() bool {
	return s.EndTime == nil
}

// Close ends the session at end, counting whole minutes only.
func (s *StudySession) Close(end time.Time) {
	s.EndTime = &end
	s.DurationMinutes = int(end.Sub(s.StartTime) / time.Minute)
	if s.DurationMinutes < 0 {
		s.DurationMinutes = 0
	}
	s.Completed = true
}
