package pipeline

// Status is the execution status of a single unit (stage, job, or step).
type Status int32

const (
	Pending Status = iota
	Skipped
	Running
	Succeeded
	Failed
	Canceled
)

// Terminal reports whether a unit that reached this status will never
// transition again.
func (s Status) Terminal() bool {
	switch s {
	case Skipped, Succeeded, Failed, Canceled:
		return true
	}
	return false
}

// String returns the lower-case name of the status, as used in transition
// logs and run reports.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Skipped:
		return "skipped"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so statuses serialize as
// their names in JSON run reports.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for reading run reports
// back.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = Pending
	case "skipped":
		*s = Skipped
	case "running":
		*s = Running
	case "succeeded":
		*s = Succeeded
	case "failed":
		*s = Failed
	case "canceled":
		*s = Canceled
	default:
		return &ConfigError{Detail: "unknown status " + string(text)}
	}
	return nil
}
