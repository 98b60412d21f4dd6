package redis

const keyPrefix = "ttt:"

// MatchChannel carries every stored revision of one match.
func MatchChannel(matchID string) string {
	return keyPrefix + "match:" + matchID + ":records"
}

// PresenceSet is the sorted set of identity@instance entries announced on
// key, scored by heartbeat expiry in unix milliseconds.
func PresenceSet(key string) string {
	return keyPrefix + "presence:" + key
}

// PresenceChannel signals that the presence set of key changed.
func PresenceChannel(key string) string {
	return keyPrefix + "presence:" + key + ":changed"
}

// Lock names a cluster-wide lock.
func Lock(name string) string {
	return keyPrefix + "lock:" + name
}
