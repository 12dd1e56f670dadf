package sales

type SaleStatus string

const (
	StatusPending    SaleStatus = "pending"
	StatusCompleted  SaleStatus = "completed"
	StatusRolledBack SaleStatus = "rolled_back"
)

var validNext = map[SaleStatus]map[SaleStatus]bool{
	StatusPending:    {StatusCompleted: true, StatusRolledBack: true},
	StatusCompleted:  {},
	StatusRolledBack: {},
}

func CanTransition(from, to SaleStatus) bool {
	return validNext[from][to]
}
