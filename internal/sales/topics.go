package sales

const (
	TopicSaleCompleted  = "pos.sale.completed"
	TopicSaleCommitted  = "pos.sale.committed"
	TopicSaleRolledBack = "pos.sale.rolled_back"
)

// Partition key = sale_id so every event of one sale keeps its order.
func PartitionKey(saleID string) []byte { return []byte(saleID) }
