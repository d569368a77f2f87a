package conflict

import "time"

// Item is the wire shape of one conflict.
type Item struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Room         string    `json:"room"`
	TeacherName  string    `json:"teacherName"`
	ClassName    string    `json:"className"`
	ConflictType Type      `json:"conflictType"`
}

type Response struct {
	HasConflict bool   `json:"hasConflict"`
	Conflicts   []Item `json:"conflicts"`
}

func NewResponse(cs []Conflict) Response {
	r := Response{HasConflict: len(cs) > 0, Conflicts: make([]Item, 0, len(cs))}
	for _, c := range cs {
		r.Conflicts = append(r.Conflicts, Item{
			ID:           c.Lesson.ID,
			Title:        c.Lesson.Title,
			Start:        c.Lesson.Start,
			End:          c.Lesson.End,
			Room:         c.Lesson.Room,
			TeacherName:  c.Lesson.TeacherName,
			ClassName:    c.Lesson.ClassName,
			ConflictType: c.Type,
		})
	}
	return r
}
