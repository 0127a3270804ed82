package cci

// Lookup indexes parsed items by CCI id.
type Lookup struct {
	items map[string]*Item
}

// NewLookup builds a lookup over items. When an id appears more than once
// the last occurrence wins.
func NewLookup(items []Item) *Lookup {
	l := &Lookup{items: make(map[string]*Item, len(items))}
	for i := range items {
		l.items[items[i].ID] = &items[i]
	}
	return l
}

// Controls returns the NIST controls correlated to a CCI id, or nil when
// the id is not in the catalog.
func (l *Lookup) Controls(id string) []string {
	if item, ok := l.items[id]; ok {
		return item.NISTControls
	}
	return nil
}

// ControlIndex inverts the catalog: NIST control to the CCI ids that map
// to it, in catalog order.
func ControlIndex(items []Item) map[string][]string {
	index := make(map[string][]string)
	for _, item := range items {
		for _, control := range item.NISTControls {
			index[control] = append(index[control], item.ID)
		}
	}
	return index
}
