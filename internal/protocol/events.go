// Package protocol defines the event catalogue exchanged with clients over
// the realtime connection, the payload shapes and their wire codecs.
package protocol

import "github.com/AjaxZhan/devspace/pkg/types"

// Inbound events.
const (
	EventInit           = "workspace:init"
	EventInput          = "terminal:input"
	EventResize         = "terminal:resize"
	EventKill           = "terminal:kill"
	EventStatsSubscribe = "stats:subscribe"
	EventStatsUnsub     = "stats:unsubscribe"
	EventFSList         = "fs:list"
	EventFSRead         = "fs:read"
	EventFSWrite        = "fs:write"
	EventFSCreateDir    = "fs:createDir"
	EventFSDelete       = "fs:delete"
	EventFSRename       = "fs:rename"
	EventFSDownload     = "fs:downloadToken"
	EventTreeResync     = "fs:treeSimple:resync"
	EventPong           = "session:pong"
)

// Outbound events.
const (
	EventReady       = "workspace:ready"
	EventError       = "workspace:error"
	EventData        = "terminal:data"
	EventExit        = "terminal:exit"
	EventStatsTick   = "stats:tick"
	EventFSError     = "fs:error"
	EventTree        = "fs:treeSimple"
	EventPing        = "session:ping"
	EventDownloadRes = "fs:downloadTokenResult"
)

// ResultEvent names the success reply of a filesystem request, e.g.
// "fs:list" -> "fs:listResult".
func ResultEvent(event string) string {
	return event + "Result"
}

// Passive reports whether an inbound event leaves the idle clock alone.
func Passive(event string) bool {
	switch event {
	case EventPong, EventStatsSubscribe, EventStatsUnsub:
		return true
	}
	return false
}

// Auth is carried by every operation on an existing session.
type Auth struct {
	SessionID string `json:"sessionId" validate:"required,min=5,max=100"`
	Token     string `json:"token" validate:"required,min=10,max=200"`
}

// InitRequest creates a session, or resumes one when SessionID is set.
type InitRequest struct {
	Username  string `json:"username" validate:"required,max=64"`
	SessionID string `json:"sessionId,omitempty" validate:"omitempty,min=5,max=100"`
	Image     string `json:"image,omitempty" validate:"omitempty,max=256"`
}

type InputRequest struct {
	Auth
	Data string `json:"data" validate:"required,max=8192"`
}

type ResizeRequest struct {
	Auth
	Cols uint `json:"cols" validate:"required,min=1,max=1000"`
	Rows uint `json:"rows" validate:"required,min=1,max=1000"`
}

// SessionRequest carries only credentials (kill, stats subscribe/unsubscribe).
type SessionRequest struct {
	Auth
}

// FSRequest is the payload of every filesystem proxy request. Which of
// Path, From, To and Content are required depends on the event.
type FSRequest struct {
	Auth
	RequestID string  `json:"requestId" validate:"omitempty,max=100"`
	Path      string  `json:"path" validate:"max=4096"`
	From      string  `json:"from,omitempty" validate:"max=4096"`
	To        string  `json:"to,omitempty" validate:"max=4096"`
	Content   *string `json:"content,omitempty" validate:"omitempty,max=5242880"`
}

// Limits advertised in the ready payload.
type Limits struct {
	IdleMinutes int `json:"idleMinutes"`
}

// Ready acknowledges a created or resumed session.
type Ready struct {
	User        string `json:"user"`
	SessionID   string `json:"sessionId"`
	Token       string `json:"token"`
	Mode        string `json:"mode"`
	BaseImage   string `json:"baseImage"`
	NetworkMode string `json:"networkMode"`
	Cwd         string `json:"cwd"`
	WorkingDir  string `json:"workingDir"`
	Host        string `json:"host"`
	Limits      Limits `json:"limits"`
	FSMode      string `json:"fsMode"`
	Resumed     bool   `json:"resumed,omitempty"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

// Exit reports the end of a session. Signal is always null: sandboxes are
// torn down as a whole rather than signalled.
type Exit struct {
	Code   int     `json:"code"`
	Signal *string `json:"signal"`
}

type FSError struct {
	RequestID string `json:"requestId,omitempty"`
	Op        string `json:"op"`
	Path      string `json:"path,omitempty"`
	Message   string `json:"message"`
}

type FSListResult struct {
	RequestID string            `json:"requestId,omitempty"`
	Path      string            `json:"path"`
	Entries   []types.FileEntry `json:"entries"`
}

type FSReadResult struct {
	RequestID string `json:"requestId,omitempty"`
	types.FileContent
}

// FSMutationResult answers write, createDir, delete and rename.
type FSMutationResult struct {
	RequestID string `json:"requestId,omitempty"`
	Path      string `json:"path,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Mtime     int64  `json:"mtime,omitempty"`
	OK        bool   `json:"ok"`
}

type DownloadTokenResult struct {
	RequestID string `json:"requestId,omitempty"`
	Token     string `json:"token"`
	URL       string `json:"url"`
}

// TreeSnapshot is one fs:treeSimple push.
type TreeSnapshot struct {
	Version uint64     `json:"version"`
	Tree    types.Tree `json:"tree"`
	Changed bool       `json:"changed"`
	Reason  string     `json:"reason"`
}

// Ping is the idle liveness challenge.
type Ping struct {
	IdleSeconds               int `json:"idleSeconds"`
	WillTerminateAfterSeconds int `json:"willTerminateAfterSeconds"`
}
