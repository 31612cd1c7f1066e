package message

import "fmt"

// CollapseAddresses reduces a participation-ordered address list (oldest
// first, the last entry being the most recent sender) to at most max
// visible entries. Duplicates keep their most recent position. When the
// list is collapsed, a synthetic expander entry records how many
// addresses are hidden; the first and the most recent senders always
// stay visible.
func CollapseAddresses(addrs []Address, max int) []Address {
	if len(addrs) == 0 {
		return nil
	}

	// unique addresses, ordered by most recent occurrence
	seen := map[string]bool{}
	uniq := make([]Address, 0, len(addrs))
	for i := len(addrs) - 1; i >= 0; i-- {
		a := addrs[i]
		if a.Addr == "" || seen[a.Addr] {
			continue
		}
		seen[a.Addr] = true
		a.Query = fmt.Sprintf(":threads from:%s", a.Addr)
		uniq = append(uniq, a)
	}
	for i, j := 0, len(uniq)-1; i < j; i, j = i+1, j-1 {
		uniq[i], uniq[j] = uniq[j], uniq[i]
	}

	if len(uniq) <= max {
		return uniq
	}

	last := addrs[len(addrs)-1]
	var few []Address
	expanderIndex := 0
	if last.Addr == addrs[0].Addr {
		few = append(few, uniq[len(uniq)-max+1:]...)
	} else {
		expanderIndex = 1
		few = append(few, uniq[0])
		few = append(few, uniq[len(uniq)-max+2:]...)
	}

	hidden := len(uniq) - len(few)
	out := make([]Address, 0, len(few)+1)
	out = append(out, few[:expanderIndex]...)
	out = append(out, Address{Expander: hidden})
	out = append(out, few[expanderIndex:]...)
	return out
}
