package model

import (
	"net/http"
	"net/url"
	"strings"
)

// RequestType names the kind of operation a model is configured for.
type RequestType string

const (
	RequestList          RequestType = "list"
	RequestRetrieve      RequestType = "retrieve"
	RequestCreate        RequestType = "create"
	RequestUpdate        RequestType = "update"
	RequestPartialUpdate RequestType = "partial_update"
)

// RequestTypeForMethod maps a write method to its request type.
func RequestTypeForMethod(method string) RequestType {
	switch strings.ToUpper(method) {
	case http.MethodPatch:
		return RequestPartialUpdate
	case http.MethodPut:
		return RequestUpdate
	case http.MethodPost:
		return RequestCreate
	}
	return RequestRetrieve
}

// Request is a single logical API call issued by a QuerySet.
type Request struct {
	Method  string
	Path    []string
	Query   url.Values
	Data    any
	Headers map[string]string
	Version string
	// UseBulk routes the call through the bulk endpoint instead of a direct
	// HTTP request.
	UseBulk bool
}

// PathString returns the slash-joined path with a trailing slash.
func (r Request) PathString() string {
	return JoinPath(r.Path)
}

// Response is the decoded result of a Request.
type Response struct {
	Status  int
	Data    any
	Headers map[string]string
}

// OK reports whether the status is 2xx.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// JoinPath joins path segments into "a/b/c/" form.
func JoinPath(segments []string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "/") + "/"
}

// SplitPath splits "/a/b/" into ["a", "b"].
func SplitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
