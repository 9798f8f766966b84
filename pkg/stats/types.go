package stats

import (
	"maps"
	"strings"

	"github.com/google/uuid"
)

// PlayerKey identifies exactly one persisted record
type PlayerKey struct {
	PlayerID   uuid.UUID
	ServerName string
}

// NewPlayerKey creates a PlayerKey for the given player on the given server
func NewPlayerKey(id uuid.UUID, serverName string) PlayerKey {
	return PlayerKey{PlayerID: id, ServerName: serverName}
}

func (k PlayerKey) String() string {
	return k.PlayerID.String() + "@" + k.ServerName
}

// BlockAction is the statistic applied to a block type
type BlockAction string

const (
	BlockMine BlockAction = "MINE"
	BlockUse  BlockAction = "USE"
)

// EntityAction is the statistic applied to an entity type
type EntityAction string

const (
	EntityKill     EntityAction = "KILL"
	EntityKilledBy EntityAction = "KILLED_BY"
)

// ItemAction is the statistic applied to an item type
type ItemAction string

const (
	ItemUse   ItemAction = "USE"
	ItemBreak ItemAction = "BREAK"
	ItemCraft ItemAction = "CRAFT"
)

// BlockActions, EntityActions and ItemActions list the typed statistics in
// the order they are collected and decoded.
var (
	BlockActions  = []BlockAction{BlockMine, BlockUse}
	EntityActions = []EntityAction{EntityKilledBy, EntityKill}
	ItemActions   = []ItemAction{ItemUse, ItemBreak, ItemCraft}
)

type BlockKey struct {
	Action BlockAction
	Block  string
}

type EntityKey struct {
	Action EntityAction
	Entity string
}

type ItemKey struct {
	Action ItemAction
	Item   string
}

// Snapshot is a point-in-time set of counter values. Zero counts are never
// stored. A snapshot is not modified after the collector returns it.
type Snapshot struct {
	General  map[string]int64
	Blocks   map[BlockKey]int64
	Entities map[EntityKey]int64
	Items    map[ItemKey]int64
}

// NewSnapshot returns a snapshot with all mappings allocated
func NewSnapshot() Snapshot {
	return Snapshot{
		General:  make(map[string]int64),
		Blocks:   make(map[BlockKey]int64),
		Entities: make(map[EntityKey]int64),
		Items:    make(map[ItemKey]int64),
	}
}

// Clone returns a deep copy with non-nil mappings
func (s Snapshot) Clone() Snapshot {
	c := NewSnapshot()
	maps.Copy(c.General, s.General)
	maps.Copy(c.Blocks, s.Blocks)
	maps.Copy(c.Entities, s.Entities)
	maps.Copy(c.Items, s.Items)
	return c
}

// Len returns the total number of entries across all mappings
func (s Snapshot) Len() int {
	return len(s.General) + len(s.Blocks) + len(s.Entities) + len(s.Items)
}

// Meta holds the cumulative, always-updated part of a record
type Meta struct {
	OnlineTimeInSeconds int64  `json:"onlineTimeInSeconds"`
	FirstJoinDate       int64  `json:"firstJoinDate"` // unix millis
	PlayerName          string `json:"playerName"`
}

// Record is the durable per-(player, server) document
type Record struct {
	Meta Meta
	Snapshot

	// Unrecognized holds typed entries whose key matches no known action,
	// by payload section then raw key. They are written back unchanged.
	Unrecognized map[string]map[string]int64
}

// NewRecord returns an empty record with zero online time
func NewRecord() *Record {
	return &Record{Snapshot: NewSnapshot()}
}

// Clone returns a deep copy of the record
func (r *Record) Clone() *Record {
	c := &Record{Meta: r.Meta, Snapshot: r.Snapshot.Clone()}
	if r.Unrecognized != nil {
		c.Unrecognized = make(map[string]map[string]int64, len(r.Unrecognized))
		for section, entries := range r.Unrecognized {
			c.Unrecognized[section] = maps.Clone(entries)
		}
	}
	return c
}

// UnrecognizedKeys counts the entries kept in Unrecognized
func (r *Record) UnrecognizedKeys() int {
	n := 0
	for _, entries := range r.Unrecognized {
		n += len(entries)
	}
	return n
}

const (
	maxVersionLen  = 20
	unknownVersion = "unknown"
)

// VersionTag derives the dataVersion column value from an engine version
// string such as "1.20.4-R0.1-SNAPSHOT".
func VersionTag(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return unknownVersion
	}

	tag := raw
	if head, _, _ := strings.Cut(raw, "-"); head != "" {
		tag = head
	}
	if len(tag) > maxVersionLen {
		tag = tag[:maxVersionLen]
	}
	return tag
}
