package bottle

type Status string

const (
	StatusQueued     Status = "queued"
	StatusUploading  Status = "uploading"
	StatusMinting    Status = "minting"
	StatusConfirming Status = "confirming"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// rank orders the happy path. failed sits outside it.
var rank = map[Status]int{
	StatusQueued:     0,
	StatusUploading:  1,
	StatusMinting:    2,
	StatusConfirming: 3,
	StatusCompleted:  4,
}

var progress = map[Status]int{
	StatusQueued:     0,
	StatusUploading:  10,
	StatusMinting:    40,
	StatusConfirming: 80,
	StatusCompleted:  100,
}

func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := rank[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress is the percentage reported for a stage. Failed has none of its own.
func (s Status) Progress() int {
	return progress[s]
}

// CanTransition reports whether from -> to keeps the status monotonic.
// Staying on the same stage is allowed so a resumed run can rewrite outputs.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return rank[to] >= rank[from]
}
