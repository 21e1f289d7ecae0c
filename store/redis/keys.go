package redis

// Key prefixes for primary entity storage.
const (
	prefixSubscription = "chainhook:sub:"
	prefixDeliveryLog  = "chainhook:dlog:"
	prefixCursor       = "chainhook:cursor:"
	prefixRateLimit    = "chainhook:rl:"
)

// Key prefix for the (subscription, event key) unique index.
const uniqueDeliveryPair = "chainhook:u:dlog:pair:"

// Key prefixes for sorted set indexes.
const (
	zSubscriptionAll = "chainhook:z:sub:all"
	zDeliverySub     = "chainhook:z:dlog:sub:" // + subscription ID
)

// Key for the set of active subscription IDs.
const sSubscriptionActive = "chainhook:s:sub:active"

// entityKey returns the primary key for an entity.
func entityKey(prefix, id string) string {
	return prefix + id
}

// pairKey returns the unique index key for a delivery log.
func pairKey(subID, eventKey string) string {
	return uniqueDeliveryPair + subID + ":" + eventKey
}
