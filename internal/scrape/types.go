package scrape

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// SourceKind identifies which extraction strategy handles a job.
type SourceKind string

// Supported source kinds.
const (
	KindLyrics       SourceKind = "lyrics"
	KindLyricsAPI    SourceKind = "lyricsApi"
	KindArticle      SourceKind = "article"
	KindThread       SourceKind = "thread"
	KindProxyRefresh SourceKind = "proxyRefresh"
)

// Kinds lists every known source kind.
func Kinds() []SourceKind {
	return []SourceKind{KindLyrics, KindLyricsAPI, KindArticle, KindThread, KindProxyRefresh}
}

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	return slices.Contains(Kinds(), k)
}

// JobState represents the lifecycle state of a job.
type JobState string

// Job states. Succeeded and Failed are terminal.
const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// CanTransition reports whether a job may move from s to next.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobPending:
		return next == JobRunning || next.Terminal()
	case JobRunning:
		return next.Terminal()
	default:
		return false
	}
}

// RawDocument is a fetched page plus the session cookies that came with it.
type RawDocument struct {
	Body      string            `json:"html"`
	Cookies   map[string]string `json:"cookies"`
	FetchedAt time.Time         `json:"timestamp"`
}

// Clone returns a deep copy so callers never share the cookie map.
func (d RawDocument) Clone() RawDocument {
	cp := d
	cp.Cookies = maps.Clone(d.Cookies)
	return cp
}

// Comment is a single top-level comment attached to a thread.
type Comment struct {
	Author string `json:"author,omitempty"`
	Text   string `json:"text"`
}

// Record is the normalized output of an extraction.
type Record struct {
	Kind      SourceKind `json:"kind"`
	Key       string     `json:"key"`
	Title     string     `json:"title"`
	Text      string     `json:"text"`
	Author    string     `json:"author"`
	Source    string     `json:"source"`
	Tags      []string   `json:"tags,omitempty"`
	Published string     `json:"published,omitempty"`
	Comments  []Comment  `json:"comments,omitempty"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// Validate rejects records without primary text.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return ErrNoContent
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	cp := r
	cp.Tags = slices.Clone(r.Tags)
	cp.Comments = slices.Clone(r.Comments)
	return cp
}

// Request carries what a strategy needs to resolve one job.
type Request struct {
	Kind SourceKind
	Key  string
	Args map[string]string
}

// Payload is the renderable result attached to a succeeded job. Exactly one of
// Record or Error is set.
type Payload struct {
	Record *Record `json:"record,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Job is the metadata persisted for each submitted request.
type Job struct {
	ID         string            `json:"id"`
	Kind       SourceKind        `json:"kind"`
	Key        string            `json:"key"`
	Args       map[string]string `json:"args,omitempty"`
	State      JobState          `json:"state"`
	Payload    *Payload          `json:"payload,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	CacheHit   bool              `json:"cache_hit"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	cp := j
	cp.Args = maps.Clone(j.Args)
	if j.Payload != nil {
		p := *j.Payload
		if p.Record != nil {
			rec := p.Record.Clone()
			p.Record = &rec
		}
		cp.Payload = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

// JobUpdate describes a state transition written by the executing worker.
type JobUpdate struct {
	State   JobState
	Payload *Payload
	Reason  string
	At      time.Time
}

// Apply transitions job according to u. It returns ErrInvalidTransition when
// the job is already terminal or the move is not allowed.
func (u JobUpdate) Apply(job Job) (Job, error) {
	if !job.State.CanTransition(u.State) {
		return job, &TransitionError{JobID: job.ID, From: job.State, To: u.State}
	}
	job.State = u.State
	job.Payload = u.Payload
	job.Reason = u.Reason
	at := u.At
	if u.State == JobRunning && job.StartedAt == nil {
		job.StartedAt = &at
	}
	if u.State.Terminal() {
		job.FinishedAt = &at
	}
	return job, nil
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string            `json:"job_id"`
	Kind      SourceKind        `json:"kind"`
	Key       string            `json:"key"`
	Args      map[string]string `json:"args,omitempty"`
	Attempt   int               `json:"attempt"`
	Submitted int64             `json:"submitted"`
}

// NormalizeQuery canonicalizes a free-text search query into a FetchKey.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}
