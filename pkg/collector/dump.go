package collector

import "slices"

// Dump is a CounterSource backed by counters shipped in a session-end event.
// Typed maps are keyed by statistic, then sub-type. Unsupported lists
// "STATISTIC" or "STATISTIC:SUBTYPE" entries the server refused to read.
type Dump struct {
	General     map[string]int64            `json:"untyped"`
	Blocks      map[string]map[string]int64 `json:"block"`
	Entities    map[string]map[string]int64 `json:"entity"`
	Items       map[string]map[string]int64 `json:"item"`
	Unsupported []string                    `json:"unsupported,omitempty"`
}

// NewDump returns an empty dump ready to be filled
func NewDump() *Dump {
	return &Dump{
		General:  make(map[string]int64),
		Blocks:   make(map[string]map[string]int64),
		Entities: make(map[string]map[string]int64),
		Items:    make(map[string]map[string]int64),
	}
}

func (d *Dump) SetBlock(category, block string, n int64) {
	setTyped(d.Blocks, category, block, n)
}

func (d *Dump) SetEntity(category, entity string, n int64) {
	setTyped(d.Entities, category, entity, n)
}

func (d *Dump) SetItem(category, item string, n int64) {
	setTyped(d.Items, category, item, n)
}

func setTyped(section map[string]map[string]int64, category, subtype string, n int64) {
	m, ok := section[category]
	if !ok {
		m = make(map[string]int64)
		section[category] = m
	}
	m[subtype] = n
}

// MarkUnsupported flags a statistic, or one of its sub-types, as unreadable
func (d *Dump) MarkUnsupported(category, subtype string) {
	if subtype == "" {
		d.Unsupported = append(d.Unsupported, category)
		return
	}
	d.Unsupported = append(d.Unsupported, category+":"+subtype)
}

func (d *Dump) Untyped(category string) (int64, error) {
	if d.unsupported(category, "") {
		return 0, ErrUnsupported
	}
	return d.General[category], nil
}

func (d *Dump) Block(category, block string) (int64, error) {
	return d.typed(d.Blocks, category, block)
}

func (d *Dump) Entity(category, entity string) (int64, error) {
	return d.typed(d.Entities, category, entity)
}

func (d *Dump) Item(category, item string) (int64, error) {
	return d.typed(d.Items, category, item)
}

func (d *Dump) typed(section map[string]map[string]int64, category, subtype string) (int64, error) {
	if d.unsupported(category, subtype) {
		return 0, ErrUnsupported
	}
	return section[category][subtype], nil
}

func (d *Dump) unsupported(category, subtype string) bool {
	if slices.Contains(d.Unsupported, category) {
		return true
	}
	return subtype != "" && slices.Contains(d.Unsupported, category+":"+subtype)
}
