package stats

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// payload is the JSON layout of the data column. Typed keys are flattened to
// "<ACTION>_<TYPE>", e.g. "MINE_STONE" or "KILLED_BY_ZOMBIE".
type payload struct {
	Meta     Meta             `json:"meta"`
	General  map[string]int64 `json:"general"`
	Blocks   map[string]int64 `json:"blocks"`
	Entities map[string]int64 `json:"entities"`
	Items    map[string]int64 `json:"items"`
}

// Encode serializes a record into the data column format
func Encode(r *Record) ([]byte, error) {
	p := payload{
		Meta:     r.Meta,
		General:  make(map[string]int64, len(r.General)),
		Blocks:   make(map[string]int64, len(r.Blocks)),
		Entities: make(map[string]int64, len(r.Entities)),
		Items:    make(map[string]int64, len(r.Items)),
	}
	for k, v := range r.General {
		p.General[k] = v
	}
	for k, v := range r.Blocks {
		p.Blocks[flatKey(string(k.Action), k.Block)] = v
	}
	for k, v := range r.Entities {
		p.Entities[flatKey(string(k.Action), k.Entity)] = v
	}
	for k, v := range r.Items {
		p.Items[flatKey(string(k.Action), k.Item)] = v
	}
	for k, v := range r.Unrecognized[SectionBlocks] {
		p.Blocks[k] = v
	}
	for k, v := range r.Unrecognized[SectionEntities] {
		p.Entities[k] = v
	}
	for k, v := range r.Unrecognized[SectionItems] {
		p.Items[k] = v
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

// Payload sections holding typed keys
const (
	SectionBlocks   = "blocks"
	SectionEntities = "entities"
	SectionItems    = "items"
)

// Decode parses the data column. Missing sections decode to empty mappings.
// Typed keys with an unknown action prefix, such as PLACE_STONE written by
// older savers, are kept in Unrecognized.
func Decode(data []byte) (*Record, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	r := NewRecord()
	r.Meta = p.Meta
	for k, v := range p.General {
		r.General[k] = v
	}
	for k, v := range p.Blocks {
		action, block, ok := splitKey(k, BlockActions)
		if !ok {
			r.keepUnrecognized(SectionBlocks, k, v)
			continue
		}
		r.Blocks[BlockKey{Action: action, Block: block}] = v
	}
	for k, v := range p.Entities {
		action, entity, ok := splitKey(k, EntityActions)
		if !ok {
			r.keepUnrecognized(SectionEntities, k, v)
			continue
		}
		r.Entities[EntityKey{Action: action, Entity: entity}] = v
	}
	for k, v := range p.Items {
		action, item, ok := splitKey(k, ItemActions)
		if !ok {
			r.keepUnrecognized(SectionItems, k, v)
			continue
		}
		r.Items[ItemKey{Action: action, Item: item}] = v
	}
	return r, nil
}

func (r *Record) keepUnrecognized(section, key string, v int64) {
	if r.Unrecognized == nil {
		r.Unrecognized = make(map[string]map[string]int64)
	}
	if r.Unrecognized[section] == nil {
		r.Unrecognized[section] = make(map[string]int64)
	}
	r.Unrecognized[section][key] = v
}

func flatKey(action, subtype string) string {
	return action + "_" + subtype
}

// splitKey matches prefixes in the given order; callers list longer
// prefixes sharing a stem first (KILLED_BY before KILL).
func splitKey[A ~string](key string, actions []A) (A, string, bool) {
	for _, a := range actions {
		prefix := string(a) + "_"
		if rest, ok := strings.CutPrefix(key, prefix); ok && rest != "" {
			return a, rest, true
		}
	}
	var zero A
	return zero, "", false
}
