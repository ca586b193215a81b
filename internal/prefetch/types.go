package prefetch

import "time"

type Status string

const (
	StatusRunning     Status = "running"
	StatusReady       Status = "ready"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

type FileState string

const (
	FilePending FileState = "pending"
	FileOK      FileState = "ok"
	FileFailed  FileState = "failed"
)

type FileRef struct {
	URL   string    `json:"url"`
	State FileState `json:"state"`
	Error string    `json:"error,omitempty"`
	Bytes int       `json:"bytes,omitempty"`
}

// Job is the persisted record of one prefetch run.
type Job struct {
	Tag        string    `json:"tag"`
	Status     Status    `json:"status"`
	Continuous bool      `json:"continuous"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Cycles     int       `json:"cycles"`
	Files      []FileRef `json:"files"`
}

func (j *Job) clone() *Job {
	c := *j
	c.Files = append([]FileRef(nil), j.Files...)
	return &c
}

// Request starts a prefetch. An empty Tag gets a generated one.
type Request struct {
	Tag        string   `json:"tag"`
	URLs       []string `json:"urls"`
	Continuous bool     `json:"continuous"`
}

type Options struct {
	DataDir           string
	MaxConcurrentJobs int
	MaxURLs           int
	Interval          time.Duration
}

const (
	defaultMaxConcurrent = 3
	defaultMaxURLs       = 20
	defaultInterval      = time.Minute
)
