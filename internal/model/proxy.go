// Package model defines shared types for the gateway and client SDK.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Response is a fully buffered HTTP response as seen by the client SDK.
// Bodies are buffered so the transport can sanitize and inspect them
// before handing them to callers.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the response status is in the 2xx range.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// JobStatus is the lifecycle state of a background job.
type JobStatus string

// Job lifecycle states carried on the job_update stream.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether the job is still in progress.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobRunning
}

// JobUpdate is one record on the job_update event stream. Updates for
// the same ID replace each other; the latest write wins.
type JobUpdate struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    JobStatus `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}
