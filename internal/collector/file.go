package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"corr/internal/evidence"
)

// FileCollector serves evidence from a JSON fixture file: an array of
// items with RFC3339 timestamps. It is the reference adapter for local
// runs and pipeline tests; platform API adapters live outside the core
// and implement the same protocol.
type FileCollector struct {
	name string
	path string
}

// NewFileCollector creates an adapter named name reading from path. The
// source field of every emitted item is forced to the adapter name so a
// fixture cannot impersonate another source.
func NewFileCollector(name, path string) *FileCollector {
	return &FileCollector{name: name, path: path}
}

func (f *FileCollector) Name() string { return f.name }

func (f *FileCollector) Capabilities() Capabilities {
	return Capabilities{
		Kinds: []evidence.Kind{
			evidence.KindCommit, evidence.KindMergeRequest, evidence.KindTicket,
			evidence.KindComment, evidence.KindMessage, evidence.KindDocument,
		},
		SupportsUserWindow: false,
	}
}

// wireItem is the fixture file shape. Attrs accept plain JSON scalars
// and string arrays; they are converted into the bounded attribute
// variants at ingest.
type wireItem struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Author    string                 `json:"author"`
	Timestamp string                 `json:"timestamp"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	URL       string                 `json:"url"`
	Attrs     map[string]interface{} `json:"attrs"`
}

func convertAttrs(raw map[string]interface{}) map[string]evidence.AttrValue {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]evidence.AttrValue, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = evidence.String(val)
		case bool:
			out[k] = evidence.Bool(val)
		case float64:
			if val == float64(int64(val)) {
				out[k] = evidence.Int(int64(val))
			} else {
				out[k] = evidence.Float(val)
			}
		case []interface{}:
			items := make([]string, 0, len(val))
			for _, elem := range val {
				if s, ok := elem.(string); ok {
					items = append(items, s)
				}
			}
			out[k] = evidence.List(items...)
		}
	}
	return out
}

// ReadFile parses a fixture file into evidence items, forcing every
// item's source to the given name. Errors carry collector failure
// kinds: a missing or unreadable file is FailUnavailable, malformed
// JSON is FailInvalidRequest.
func ReadFile(source, path string) ([]*evidence.Evidence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewError(source, FailUnavailable, fmt.Sprintf("fixture %s missing", path))
		}
		return nil, NewError(source, FailUnavailable, err.Error())
	}

	var items []wireItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, NewError(source, FailInvalidRequest, fmt.Sprintf("fixture %s: %v", path, err))
	}

	out := make([]*evidence.Evidence, 0, len(items))
	for _, w := range items {
		ts, err := evidence.ParseTimestamp(w.Timestamp)
		if err != nil {
			// Leave the zero time; ingest validation drops it and
			// counts the skip.
			ts = ts.UTC()
		}
		out = append(out, &evidence.Evidence{
			ID:        w.ID,
			Source:    source,
			Kind:      evidence.Kind(w.Kind),
			Author:    w.Author,
			Timestamp: ts,
			Title:     w.Title,
			Body:      w.Body,
			URL:       w.URL,
			Attrs:     convertAttrs(w.Attrs),
		})
	}
	return out, nil
}

func (f *FileCollector) Collect(ctx context.Context, req Request, emit func(*evidence.Evidence) error) error {
	items, err := ReadFile(f.name, f.path)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if req.Window.Valid() && !item.Timestamp.IsZero() && !req.Window.Contains(item.Timestamp) {
			continue
		}
		if err := emit(item); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileCollector) Health(ctx context.Context) Health {
	if _, err := os.Stat(f.path); err != nil {
		return Health{OK: false, Detail: err.Error()}
	}
	return Health{OK: true, Detail: "fixture readable"}
}
