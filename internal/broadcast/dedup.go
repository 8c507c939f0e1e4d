package broadcast

// GroupBatch splits a batch by group, keeping feed order inside each group.
// Group keys are returned in order of first appearance.
func GroupBatch(batch []Message) ([]string, map[string][]Message) {
	var order []string
	byGroup := make(map[string][]Message)
	for _, m := range batch {
		if _, ok := byGroup[m.Group]; !ok {
			order = append(order, m.Group)
		}
		byGroup[m.Group] = append(byGroup[m.Group], m)
	}
	return order, byGroup
}

// MarkDuplicates sets Forward on every message of one group: false when the
// text equals the previous message's text, true otherwise. The first message
// is always forwarded.
func MarkDuplicates(group []Message) int {
	dups := 0
	for i := range group {
		group[i].Forward = i == 0 || group[i].Text != group[i-1].Text
		if !group[i].Forward {
			dups++
		}
	}
	return dups
}
