package plugin

import (
	"net/http"
	"net/url"
	"strings"
)

// RequestInfo is a framework-free snapshot of one completed request, enough
// to infer which repository operation it performed.
type RequestInfo struct {
	Method string
	Path   string
	Status string     // status code as a string, e.g. "200"
	Form   url.Values // submitted form fields, nil when there were none
	Files  map[string]string
	User   string // authenticated username, empty for anonymous
}

// EventKind identifies the repository operation inferred from a request.
type EventKind int

const (
	EventNone EventKind = iota
	EventDownload
	EventUpload
	EventSearch
)

// Event is the classification result. Fields beyond Kind are only set for
// the kinds that use them.
type Event struct {
	Kind       EventKind
	Project    string
	Filename   string
	User       string
	SearchType string
}

// ParseFunc derives (project, version) from a raw distribution filename.
type ParseFunc func(filename string) (name, version string, ok bool)

// Classify infers zero or one repository event from a request snapshot.
// Rules are disjoint and checked in order; the first match wins:
//
//  1. GET <packagesPrefix><filename> with status 200 -> download
//  2. POST / with form field ":action" = "file_upload" and an uploaded part
//     named "content", status 200 -> upload
//  3. POST <rpcPath> with status 200 -> search (every successful XML-RPC
//     call counts as a search; the payload is not inspected)
//
// Anything else is EventNone. The generic HTTP metrics are recorded
// elsewhere regardless of the outcome here.
func Classify(info RequestInfo, packagesPrefix, rpcPath string, parse ParseFunc) Event {
	switch {
	case info.Method == http.MethodGet &&
		strings.HasPrefix(info.Path, packagesPrefix) &&
		info.Status == "200":
		return classifyDownload(info, packagesPrefix, parse)

	case info.Method == http.MethodPost && info.Path == "/" && info.Status == "200":
		return classifyUpload(info, parse)

	case info.Method == http.MethodPost && info.Path == rpcPath && info.Status == "200":
		return Event{Kind: EventSearch, SearchType: "xmlrpc"}
	}

	return Event{}
}

func classifyDownload(info RequestInfo, packagesPrefix string, parse ParseFunc) Event {
	filename := strings.TrimPrefix(info.Path, packagesPrefix)
	if i := strings.Index(filename, "?"); i != -1 {
		filename = filename[:i]
	}
	if filename == "" {
		return Event{}
	}

	project, _, ok := parse(filename)
	if !ok {
		return Event{}
	}
	return Event{Kind: EventDownload, Project: project, Filename: filename}
}

func classifyUpload(info RequestInfo, parse ParseFunc) Event {
	if info.Form.Get(":action") != "file_upload" {
		return Event{}
	}

	rawFilename, ok := info.Files["content"]
	if !ok || rawFilename == "" {
		return Event{}
	}

	project, _, ok := parse(rawFilename)
	if !ok {
		return Event{}
	}

	user := info.User
	if user == "" {
		user = "anonymous"
	}
	return Event{Kind: EventUpload, Project: project, User: user}
}
