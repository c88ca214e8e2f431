package scrape

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors forming the pipeline's failure taxonomy.
var (
	// ErrTransport covers timeouts, refused connections and non-2xx responses.
	ErrTransport = errors.New("transport error")
	// ErrSolverRejected means the anti-bot solver answered with a non-ok status.
	ErrSolverRejected = errors.New("solver rejected request")
	// ErrAcquisitionExhausted means every acquisition attempt failed.
	ErrAcquisitionExhausted = errors.New("acquisition exhausted")
	// ErrStructureMismatch means expected markup was missing, usually layout drift.
	ErrStructureMismatch = errors.New("structure mismatch")
	// ErrNoContent means the source was reachable but held nothing to extract.
	ErrNoContent = errors.New("no content found")
	// ErrJobNotFound is returned by job stores for unknown IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrObjectNotFound is returned by blob stores for missing paths.
	ErrObjectNotFound = errors.New("object not found")
	// ErrInvalidTransition is matched by *TransitionError.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// UpstreamKind classifies user-presentable upstream conditions.
type UpstreamKind string

// Upstream conditions that are expected and retryable later.
const (
	UpstreamRateLimited UpstreamKind = "rate_limited"
	UpstreamUnavailable UpstreamKind = "unavailable"
	UpstreamNotFound    UpstreamKind = "not_found"
)

// UpstreamError is an expected upstream condition rendered to the user as a
// message rather than treated as a failure.
type UpstreamError struct {
	Kind    UpstreamKind
	Source  string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case UpstreamRateLimited:
		return "rate limit exceeded"
	case UpstreamUnavailable:
		return "service unavailable"
	case UpstreamNotFound:
		return "not found"
	default:
		return "upstream error"
	}
}

// AcquisitionError reports every attempt made before giving up on a URL.
type AcquisitionError struct {
	URL      string
	Attempts int
	Causes   []error
}

func (e *AcquisitionError) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		parts = append(parts, c.Error())
	}
	return fmt.Sprintf("%s: %s after %d attempts: %s",
		ErrAcquisitionExhausted, e.URL, e.Attempts, strings.Join(parts, "; "))
}

// Is lets errors.Is match ErrAcquisitionExhausted.
func (e *AcquisitionError) Is(target error) bool {
	return target == ErrAcquisitionExhausted
}

// Unwrap exposes the per-attempt causes.
func (e *AcquisitionError) Unwrap() []error {
	return e.Causes
}

// TransitionError reports a refused job state change.
type TransitionError struct {
	JobID string
	From  JobState
	To    JobState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot move from %s to %s", e.JobID, e.From, e.To)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// UserMessage returns the presentable message for outcomes that finish a job
// successfully without content. ok is false for hard failures.
func UserMessage(err error) (msg string, ok bool) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) && !hardFailure(err) {
		return upstream.Error(), true
	}
	if errors.Is(err, ErrNoContent) && !hardFailure(err) {
		return ErrNoContent.Error(), true
	}
	return "", false
}

func hardFailure(err error) bool {
	return errors.Is(err, ErrAcquisitionExhausted) || errors.Is(err, ErrStructureMismatch)
}
