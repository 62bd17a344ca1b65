package jobs

import "fmt"

type SectionKind string

const (
	KindLecture    SectionKind = "lecture"
	KindDiscussion SectionKind = "discussion"
)

// Target is one schedulable section the worker polls.
type Target struct {
	Department string
	CourseCode string
	Section    string
	Kind       SectionKind

	// indexes into Job.Courses / Course.Groups
	Course int
	Group  int
}

func (t Target) Key() string { return SectionKey(t.Department, t.CourseCode, t.Section) }

func (t Target) String() string { return t.Key() }

func SectionKey(department, courseCode, section string) string {
	return fmt.Sprintf("%s %s %s", department, courseCode, section)
}

// TriggerPolicy decides whether a seat count counts as an opening.
// Threshold 0 is include mode (any seat); a positive threshold is exclude
// mode (only when 0 < available <= threshold).
type TriggerPolicy struct {
	Threshold int
}

func (p TriggerPolicy) Fires(available int) bool {
	if available <= 0 {
		return false
	}
	return p.Threshold == 0 || available <= p.Threshold
}

func (p TriggerPolicy) Describe() string {
	if p.Threshold == 0 {
		return "Found opening!"
	}
	return fmt.Sprintf("Seats are at or below threshold (%d)!", p.Threshold)
}
