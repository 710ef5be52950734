package trace

import "time"

// Trace is one recorded trace. Input, Output and Metadata hold JSON text and
// are only populated by GetTrace; list queries leave them empty.
type Trace struct {
	ID         string
	ProjectID  string
	Name       string
	UserID     string
	SessionID  string
	Release    string
	Version    string
	Tags       []string
	Bookmarked bool
	Public     bool
	Input      string
	Output     string
	Metadata   string
	Timestamp  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
