package cci

// Item is a single CCI entry and the NIST SP 800-53 controls it correlates to.
type Item struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Definition   string   `json:"definition"`
	NISTControls []string `json:"nist_controls"`
	Type         string   `json:"cci_type"`
	Status       string   `json:"status"`
	PublishDate  string   `json:"publish_date"`
}

// HasControl reports whether the item references the given NIST control.
func (i *Item) HasControl(control string) bool {
	for _, c := range i.NISTControls {
		if c == control {
			return true
		}
	}
	return false
}

func (i *Item) addControl(control string) {
	if control == "" || i.HasControl(control) {
		return
	}
	i.NISTControls = append(i.NISTControls, control)
}
