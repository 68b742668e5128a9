package store

import "time"

// Node is a configured light node. It records identity and settings only;
// light state is always read back from the node.
type Node struct {
	ID             uint8     `json:"id"`
	Name           string    `json:"name"`
	ManufacturerID string    `json:"manufacturer_id,omitempty"`
	ProductID      string    `json:"product_id,omitempty"`
	CommandClasses []int     `json:"command_classes"`
	Refresh        bool      `json:"refresh_value"`
	DelaySeconds   int       `json:"delay,omitempty"`
	ColorMin       float64   `json:"color_min,omitempty"`
	ColorMax       float64   `json:"color_max,omitempty"`
	AddedAt        time.Time `json:"added_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasCommandClass reports whether cc is listed for the node.
func (n *Node) HasCommandClass(cc uint8) bool {
	for _, c := range n.CommandClasses {
		if c == int(cc) {
			return true
		}
	}
	return false
}
