package cart

// Merge folds local items into server items keyed by product id.
// Local quantity wins on divergence; every other field of a shared item comes from
// the server. Local-only items are inserted verbatim. The result lists server items
// first, then local-only items, each in input order.
func Merge(server, local []LineItem) []LineItem {
	merged := Normalize(Clone(server))
	index := make(map[string]int, len(merged))
	for i, item := range merged {
		index[item.ProductID()] = i
	}
	for _, item := range Normalize(Clone(local)) {
		id := item.ProductID()
		if idx, ok := index[id]; ok {
			if merged[idx].Quantity != item.Quantity {
				merged[idx].Quantity = item.Quantity
			}
			continue
		}
		index[id] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

type SyncOpKind string

const (
	SyncAdd    SyncOpKind = "add"
	SyncUpdate SyncOpKind = "update"
)

type SyncOp struct {
	Kind      SyncOpKind
	ProductID string
	Quantity  int
}

// PlanSync lists the server calls that bring the server cart in line with local:
// an add for every local id the server lacks, an update for every divergent quantity.
func PlanSync(server, local []LineItem) []SyncOp {
	serverQty := make(map[string]int, len(server))
	for _, item := range Normalize(server) {
		serverQty[item.ProductID()] = item.Quantity
	}
	ops := make([]SyncOp, 0)
	for _, item := range Normalize(local) {
		id := item.ProductID()
		qty, ok := serverQty[id]
		switch {
		case !ok:
			ops = append(ops, SyncOp{Kind: SyncAdd, ProductID: id, Quantity: item.Quantity})
		case qty != item.Quantity:
			ops = append(ops, SyncOp{Kind: SyncUpdate, ProductID: id, Quantity: item.Quantity})
		}
	}
	return ops
}
