package httpserver

import (
	"net/http"

	"filedock/internal/policy"
)

// Action is a closed set of API entry points.
type Action int

const (
	ActionHealth Action = iota
	ActionInfo
	ActionStorage
	ActionList
	ActionDownload
	ActionUploadCheck
	ActionUploadChunk
	ActionUploadAbort
	ActionUploadFiles
	numActions
)

type route struct {
	method  string
	pattern string
	// op is checked against the policy gate before the handler runs; 0 is ungated.
	op     policy.Operation
	handle func(*Server, http.ResponseWriter, *http.Request)
}

var routes = [numActions]route{
	ActionHealth:      {http.MethodGet, "/healthz", 0, (*Server).handleHealth},
	ActionInfo:        {http.MethodGet, "/api/info", 0, (*Server).handleInfo},
	ActionStorage:     {http.MethodGet, "/api/storage", policy.OpStorage, (*Server).handleStorage},
	ActionList:        {http.MethodGet, "/api/list", policy.OpList, (*Server).handleList},
	ActionDownload:    {http.MethodGet, "/f/", policy.OpDownload, (*Server).handleFile},
	ActionUploadCheck: {http.MethodPost, "/api/upload/check", policy.OpUpload, (*Server).handleCheck},
	ActionUploadChunk: {http.MethodPost, "/api/upload/chunk", policy.OpUpload, (*Server).handleChunk},
	ActionUploadAbort: {http.MethodPost, "/api/upload/abort", policy.OpUpload, (*Server).handleAbort},
	ActionUploadFiles: {http.MethodPost, "/api/upload", policy.OpUpload, (*Server).handleFiles},
}

func (a Action) String() string {
	if a >= 0 && a < numActions {
		return routes[a].pattern
	}
	return "unknown"
}
