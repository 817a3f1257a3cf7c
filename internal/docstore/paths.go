package docstore

import (
	"fmt"
	"strings"
)

const (
	EvaluationsCollection = "evaluations"
	ResponsesCollection   = "responses"
	ConfigCollection      = "config"

	ActivePointerID = "active"
)

// Paths builds the fixed layout under artifacts/{appID}/public/data.
type Paths struct {
	AppID string
}

func NewPaths(appID string) Paths {
	if strings.TrimSpace(appID) == "" {
		appID = "safety-app-default"
	}
	return Paths{AppID: appID}
}

func (p Paths) root() string { return Join("artifacts", p.AppID, "public", "data") }

func (p Paths) Evaluations() string { return Join(p.root(), EvaluationsCollection) }
func (p Paths) Responses() string   { return Join(p.root(), ResponsesCollection) }
func (p Paths) Config() string      { return Join(p.root(), ConfigCollection) }

func (p Paths) Evaluation(id string) string { return Join(p.Evaluations(), id) }

func (p Paths) Response(evaluationID, learnerID string) string {
	return Join(p.Responses(), ResponseKey(evaluationID, learnerID))
}

func (p Paths) ActivePointer() string { return Join(p.Config(), ActivePointerID) }

// ResponseKey is the composite document id of a learner's response.
func ResponseKey(evaluationID, learnerID string) string {
	return evaluationID + "_" + learnerID
}

func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Clean normalises a path and checks it has no empty segments.
func Clean(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return "", fmt.Errorf("docstore: empty path")
	}
	for _, seg := range strings.Split(p, "/") {
		if strings.TrimSpace(seg) == "" {
			return "", fmt.Errorf("docstore: empty segment in %q", path)
		}
	}
	return p, nil
}

// IsCollection reports whether path names a collection (odd number of segments).
func IsCollection(path string) bool {
	return len(strings.Split(strings.Trim(path, "/"), "/"))%2 == 1
}

// Split returns the parent collection and document id of a document path.
func Split(path string) (parent, id string) {
	p := strings.Trim(path, "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

func checkDocPath(path string) (string, error) {
	p, err := Clean(path)
	if err != nil {
		return "", err
	}
	if IsCollection(p) {
		return "", fmt.Errorf("docstore: %q is a collection, not a document", p)
	}
	return p, nil
}

func checkCollectionPath(path string) (string, error) {
	p, err := Clean(path)
	if err != nil {
		return "", err
	}
	if !IsCollection(p) {
		return "", fmt.Errorf("docstore: %q is a document, not a collection", p)
	}
	return p, nil
}
