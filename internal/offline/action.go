// Package offline keeps media available without a network: a Manager runs
// download and remove actions into the content cache, and a Tracker remembers
// which media the user asked to keep.
package offline

import (
	"encoding/json"
	"fmt"
)

// Action types understood by DefaultDeserializers.
const (
	TypeDASH        = "dash"
	TypeHLS         = "hls"
	TypeSS          = "ss"
	TypeProgressive = "progressive"
)

// Action asks the Manager to download or remove one piece of media.
// Segmented formats carry the segment URIs to fetch; progressive media is a
// single resource at URI.
type Action struct {
	Type     string
	Version  int
	URI      string
	IsRemove bool
	Data     []byte
	Segments []string
	// CustomCacheKey stores a progressive resource under a key other than its URI.
	CustomCacheKey string
}

// IsSameMedia reports whether a and other refer to the same media, whatever
// they ask to do with it.
func (a Action) IsSameMedia(other Action) bool {
	return a.Type == other.Type && a.URI == other.URI
}

// RemoveAction returns the action undoing a.
func (a Action) RemoveAction() Action {
	out := a
	out.IsRemove = true

	return out
}

// Keys returns the cache keys the action downloads or removes.
func (a Action) Keys() []string {
	if len(a.Segments) > 0 {
		return append([]string(nil), a.Segments...)
	}

	if a.CustomCacheKey != "" {
		return []string{a.CustomCacheKey}
	}

	return []string{a.URI}
}

func (a Action) mediaKey() string {
	return a.Type + "|" + a.URI
}

type actionPayload struct {
	URI            string   `json:"uri"`
	IsRemove       bool     `json:"is_remove,omitempty"`
	Data           []byte   `json:"data,omitempty"`
	Segments       []string `json:"segments,omitempty"`
	CustomCacheKey string   `json:"custom_cache_key,omitempty"`
}

func (a Action) payload() (json.RawMessage, error) {
	return json.Marshal(actionPayload{
		URI:            a.URI,
		IsRemove:       a.IsRemove,
		Data:           a.Data,
		Segments:       a.Segments,
		CustomCacheKey: a.CustomCacheKey,
	})
}

// Deserializer restores actions of one type from their persisted payload.
type Deserializer interface {
	Type() string
	// Version is the newest payload version the deserializer understands.
	Version() int
	Deserialize(version int, payload json.RawMessage) (Action, error)
}

// formatDeserializer handles the four built-in types. They share one payload
// layout and differ only in how segments are validated. Resolvable types may
// be queued without segments and have them listed by a SegmentResolver.
type formatDeserializer struct {
	typ        string
	version    int
	segmented  bool
	resolvable bool
}

// NewDeserializer returns a deserializer for a custom action type using the
// built-in payload layout.
func NewDeserializer(typ string, version int, segmented bool) Deserializer {
	return formatDeserializer{typ: typ, version: version, segmented: segmented}
}

func (d formatDeserializer) Type() string { return d.typ }

func (d formatDeserializer) Version() int { return d.version }

func (d formatDeserializer) Deserialize(version int, payload json.RawMessage) (Action, error) {
	if version > d.version {
		return Action{}, fmt.Errorf("%s action version %d is newer than supported version %d", d.typ, version, d.version)
	}

	var p actionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Action{}, fmt.Errorf("malformed %s action: %w", d.typ, err)
	}

	if p.URI == "" {
		return Action{}, fmt.Errorf("%s action without uri", d.typ)
	}

	if d.segmented && !d.resolvable && !p.IsRemove && len(p.Segments) == 0 {
		return Action{}, fmt.Errorf("%s download action without segments", d.typ)
	}

	if !d.segmented && len(p.Segments) > 0 {
		return Action{}, fmt.Errorf("%s action cannot carry segments", d.typ)
	}

	return Action{
		Type:           d.typ,
		Version:        version,
		URI:            p.URI,
		IsRemove:       p.IsRemove,
		Data:           p.Data,
		Segments:       p.Segments,
		CustomCacheKey: p.CustomCacheKey,
	}, nil
}

var (
	DASHDeserializer        Deserializer = formatDeserializer{typ: TypeDASH, segmented: true}
	HLSDeserializer         Deserializer = formatDeserializer{typ: TypeHLS, segmented: true, resolvable: true}
	SSDeserializer          Deserializer = formatDeserializer{typ: TypeSS, segmented: true}
	ProgressiveDeserializer Deserializer = formatDeserializer{typ: TypeProgressive}
)

// DefaultDeserializers returns deserializers for DASH, HLS, SmoothStreaming
// and progressive actions.
func DefaultDeserializers() []Deserializer {
	return []Deserializer{DASHDeserializer, HLSDeserializer, SSDeserializer, ProgressiveDeserializer}
}

// NewProgressiveAction returns a download action for a single resource.
func NewProgressiveAction(uri string, data []byte) Action {
	return Action{Type: TypeProgressive, URI: uri, Data: data}
}

// NewSegmentedAction returns a download action for a segmented stream. HLS
// actions may leave segments empty to have the playlist resolved at download
// time.
func NewSegmentedAction(typ, uri string, segments []string, data []byte) Action {
	return Action{Type: typ, URI: uri, Segments: segments, Data: data}
}

// ValidateAction checks that a can be written to an action file and read back
// by one of deserializers.
func ValidateAction(a Action, deserializers []Deserializer) error {
	for _, d := range deserializers {
		if d.Type() != a.Type {
			continue
		}

		payload, err := a.payload()
		if err != nil {
			return err
		}

		_, err = d.Deserialize(a.Version, payload)

		return err
	}

	return fmt.Errorf("%w: %s", ErrUnknownAction, a.Type)
}
