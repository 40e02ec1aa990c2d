// Package player defines the player record shared by the trade coordinator
// and the gateway, plus the currency display helpers.
package player

import "fmt"

// PenniesPerShilling is the realm's currency ratio.
const PenniesPerShilling = 12

// Player is the authoritative economic record for one account.
type Player struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Location  string         `json:"location"`
	Pennies   int64          `json:"pennies"`
	Inventory map[string]int `json:"inventory"`
}

// Clone deep-copies the player so callers can mutate freely.
func (p Player) Clone() Player {
	copied := p
	copied.Inventory = make(map[string]int, len(p.Inventory))
	for itemID, count := range p.Inventory {
		copied.Inventory[itemID] = count
	}
	return copied
}

// ItemCount returns how many of one item the player holds.
func (p Player) ItemCount(itemID string) int {
	return p.Inventory[itemID]
}

// FormatPennies renders an amount in shillings and pennies, e.g. "2s 5d".
func FormatPennies(total int64) string {
	negative := total < 0
	if negative {
		total = -total
	}
	shillings := total / PenniesPerShilling
	pennies := total % PenniesPerShilling

	var out string
	switch {
	case shillings == 0:
		out = fmt.Sprintf("%dd", pennies)
	case pennies == 0:
		out = fmt.Sprintf("%ds", shillings)
	default:
		out = fmt.Sprintf("%ds %dd", shillings, pennies)
	}
	if negative {
		return "-" + out
	}
	return out
}
