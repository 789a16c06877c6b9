package metering

import "fmt"

// GroupKey identifies an aggregation group. All member records of a group
// share these three values.
type GroupKey struct {
	ProductCode       string `json:"productCode"`
	CustomerAccountID string `json:"customerAccountId"`
	Dimension         string `json:"dimension"`
}

// String returns a human-readable form of the key
func (k GroupKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ProductCode, k.CustomerAccountID, k.Dimension)
}

// AggregationGroup collapses the pending usage records sharing a GroupKey
// into one summed billing submission. It is ephemeral: it exists inside one
// aggregation cycle and as a queue message. The member list is carried so the
// Submitter can update every constituent record after the single billing
// call.
type AggregationGroup struct {
	ProductCode       string      `json:"productCode"`
	CustomerAccountID string      `json:"customerAccountId"`
	Dimension         string      `json:"dimension"`
	Quantity          int64       `json:"quantity"`
	Members           []RecordKey `json:"members"`
}

// Key returns the group's aggregation key
func (g *AggregationGroup) Key() GroupKey {
	return GroupKey{
		ProductCode:       g.ProductCode,
		CustomerAccountID: g.CustomerAccountID,
		Dimension:         g.Dimension,
	}
}

// Validate checks the structural invariants a group must satisfy before it
// can be submitted
func (g *AggregationGroup) Validate() error {
	if g.ProductCode == "" || g.CustomerAccountID == "" || g.Dimension == "" {
		return fmt.Errorf("aggregation group %s has an incomplete key", g.Key())
	}
	if g.Quantity < 0 {
		return fmt.Errorf("aggregation group %s has negative quantity %d", g.Key(), g.Quantity)
	}
	if len(g.Members) == 0 {
		return fmt.Errorf("aggregation group %s has no member records", g.Key())
	}
	return nil
}

// GroupSet is the grouping accumulator used by the Aggregator. It keeps an
// explicit insertion order so iteration is deterministic; the sum itself is
// commutative, so order never affects correctness.
type GroupSet struct {
	groups map[GroupKey]*AggregationGroup
	order  []GroupKey
}

// NewGroupSet creates an empty group set
func NewGroupSet() *GroupSet {
	return &GroupSet{
		groups: make(map[GroupKey]*AggregationGroup),
	}
}

// Add folds a usage record into its group, creating the group on first sight
func (s *GroupSet) Add(record *UsageRecord) {
	key := record.GroupKey()
	group, ok := s.groups[key]
	if !ok {
		group = &AggregationGroup{
			ProductCode:       key.ProductCode,
			CustomerAccountID: key.CustomerAccountID,
			Dimension:         key.Dimension,
		}
		s.groups[key] = group
		s.order = append(s.order, key)
	}
	group.Quantity += record.Quantity
	group.Members = append(group.Members, record.Key())
}

// Groups returns the accumulated groups in first-seen order
func (s *GroupSet) Groups() []*AggregationGroup {
	out := make([]*AggregationGroup, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.groups[key])
	}
	return out
}

// Len returns the number of distinct groups
func (s *GroupSet) Len() int {
	return len(s.groups)
}
