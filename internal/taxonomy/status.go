package taxonomy

// Canonical auction status codes.
const (
	StatusUpcoming   = "upcoming"
	StatusLive       = "live"
	StatusPureSale   = "pure_sale"
	StatusMinimumBid = "minimum_bid"
	StatusOnApproval = "on_approval"
	StatusBuyNow     = "buy_now"
	StatusSold       = "sold"
	StatusNoSale     = "no_sale"
	StatusCancelled  = "cancelled"
)

var statusLabels = map[string]string{
	"upcoming":         StatusUpcoming,
	"future":           StatusUpcoming,
	"scheduled":        StatusUpcoming,
	"live":             StatusLive,
	"in progress":      StatusLive,
	"on auction":       StatusLive,
	"pure sale":        StatusPureSale,
	"no reserve":       StatusPureSale,
	"minimum bid":      StatusMinimumBid,
	"on minimum bid":   StatusMinimumBid,
	"reserve":          StatusMinimumBid,
	"on approval":      StatusOnApproval,
	"pending approval": StatusOnApproval,
	"seller approval":  StatusOnApproval,
	"buy it now":       StatusBuyNow,
	"buy now":          StatusBuyNow,
	"sold":             StatusSold,
	"no sale":          StatusNoSale,
	"not sold":         StatusNoSale,
	"cancelled":        StatusCancelled,
	"canceled":         StatusCancelled,
	"withdrawn":        StatusCancelled,
}

// StatusTable returns the auction status table.
func StatusTable(sink Sink) *Table {
	return New("status", statusLabels, sink)
}
