package collector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MIAOMC-Server/SSaver/pkg/logger"
	"github.com/MIAOMC-Server/SSaver/pkg/metrics"
	"github.com/MIAOMC-Server/SSaver/pkg/stats"

	"go.uber.org/zap"
)

// ErrUnsupported is returned by a CounterSource when a statistic cannot be
// read for a sub-type. The collector skips that pair only.
var ErrUnsupported = errors.New("statistic not supported for sub-type")

// Statistic names as reported by the game server
const (
	MineBlock      = "MINE_BLOCK"
	UseItem        = "USE_ITEM"
	BreakItem      = "BREAK_ITEM"
	CraftItem      = "CRAFT_ITEM"
	KillEntity     = "KILL_ENTITY"
	EntityKilledBy = "ENTITY_KILLED_BY"

	TotalBlocksMined  = "TOTAL_BLOCKS_MINED"
	TotalBlocksPlaced = "TOTAL_BLOCKS_PLACED"
)

var (
	blockStatistics = map[stats.BlockAction]string{
		stats.BlockMine: MineBlock,
		stats.BlockUse:  UseItem,
	}
	entityStatistics = map[stats.EntityAction]string{
		stats.EntityKill:     KillEntity,
		stats.EntityKilledBy: EntityKilledBy,
	}
	itemStatistics = map[stats.ItemAction]string{
		stats.ItemUse:   UseItem,
		stats.ItemBreak: BreakItem,
		stats.ItemCraft: CraftItem,
	}
)

// CounterSource reads one player's raw counters
type CounterSource interface {
	Untyped(category string) (int64, error)
	Block(category, block string) (int64, error)
	Entity(category, entity string) (int64, error)
	Item(category, item string) (int64, error)
}

// Collector turns a CounterSource into a Snapshot. The catalog is resolved
// on first use and reused afterwards.
type Collector struct {
	catalog Catalog
	logger  *logger.Logger

	once     sync.Once
	universe *Universe
	err      error
}

// New creates a new Collector instance
func New(catalog Catalog, l *logger.Logger) *Collector {
	return &Collector{catalog: catalog, logger: l}
}

// Universe returns the resolved catalog
func (c *Collector) Universe() (*Universe, error) {
	c.once.Do(func() {
		c.universe, c.err = c.catalog.Resolve()
		if c.err == nil {
			c.logger.Info("statistics catalog loaded",
				zap.Int("untyped", len(c.universe.Untyped)),
				zap.Int("blocks", len(c.universe.Blocks)),
				zap.Int("entities", len(c.universe.Entities)),
				zap.Int("items", len(c.universe.Items)))
		}
	})
	return c.universe, c.err
}

// Collect reads every counter in the universe from src. Unsupported pairs and
// zero counts are left out. Any other read error aborts the collection.
func (c *Collector) Collect(src CounterSource) (stats.Snapshot, error) {
	u, err := c.Universe()
	if err != nil {
		return stats.Snapshot{}, fmt.Errorf("failed to resolve catalog: %w", err)
	}

	snap := stats.NewSnapshot()

	for _, category := range u.Untyped {
		n, err := src.Untyped(category)
		if ok, err := c.keep(n, err, category, ""); err != nil {
			return stats.Snapshot{}, err
		} else if ok {
			snap.General[category] = n
		}
	}

	for _, action := range stats.BlockActions {
		category := blockStatistics[action]
		for _, block := range u.Blocks {
			n, err := src.Block(category, block)
			if ok, err := c.keep(n, err, category, block); err != nil {
				return stats.Snapshot{}, err
			} else if ok {
				snap.Blocks[stats.BlockKey{Action: action, Block: block}] = n
			}
		}
	}

	for _, action := range stats.EntityActions {
		category := entityStatistics[action]
		for _, entity := range u.Entities {
			n, err := src.Entity(category, entity)
			if ok, err := c.keep(n, err, category, entity); err != nil {
				return stats.Snapshot{}, err
			} else if ok {
				snap.Entities[stats.EntityKey{Action: action, Entity: entity}] = n
			}
		}
	}

	for _, action := range stats.ItemActions {
		category := itemStatistics[action]
		for _, item := range u.Items {
			n, err := src.Item(category, item)
			if ok, err := c.keep(n, err, category, item); err != nil {
				return stats.Snapshot{}, err
			} else if ok {
				snap.Items[stats.ItemKey{Action: action, Item: item}] = n
			}
		}
	}

	// typed totals only for categories the server does not report untyped
	if !u.HasUntyped(MineBlock) {
		addTotal(snap, TotalBlocksMined, stats.BlockMine)
	}
	if !u.HasUntyped(UseItem) {
		addTotal(snap, TotalBlocksPlaced, stats.BlockUse)
	}

	return snap, nil
}

func (c *Collector) keep(n int64, err error, category, subtype string) (bool, error) {
	if errors.Is(err, ErrUnsupported) {
		metrics.CollectionSkipsTotal.Inc()
		if c.logger.DebugEnabled() {
			c.logger.Debug("skipping unsupported statistic",
				zap.String("statistic", category), zap.String("subtype", subtype))
		}
		return false, nil
	}
	if err != nil {
		if subtype == "" {
			return false, fmt.Errorf("failed to read %s: %w", category, err)
		}
		return false, fmt.Errorf("failed to read %s for %s: %w", category, subtype, err)
	}
	return n > 0, nil
}

func addTotal(snap stats.Snapshot, name string, action stats.BlockAction) {
	var total int64
	for k, v := range snap.Blocks {
		if k.Action == action {
			total += v
		}
	}
	if total > 0 {
		snap.General[name] = total
	}
}
