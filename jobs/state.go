package jobs

import "fmt"

var transitions = map[Status][]Status{
	StatusPending:      {StatusTranscribing, StatusFailed},
	StatusTranscribing: {StatusDiarizing, StatusFailed},
	StatusDiarizing:    {StatusMerging, StatusFailed},
	StatusMerging:      {StatusCompleted, StatusFailed},
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusTranscribing, StatusDiarizing, StatusMerging, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Stage is the pipeline step a job in status s is working on.
func (s Status) Stage() Step {
	switch s {
	case StatusDiarizing:
		return StepDiarization
	case StatusMerging:
		return StepMerge
	}
	return StepTranscription
}

// CanTransition reports whether a job in status from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (j *Job) transition(to Status) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.Status, to)
	}
	j.Status = to
	return nil
}
