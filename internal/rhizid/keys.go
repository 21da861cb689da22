package rhizid

import "fmt"

// Keys builds the domain-specific strings the higher-level (out-of-scope)
// messaging model hashes into content keys, adapted from the original
// project's DHTKeyBuilder. The core never interprets the bytes these keys
// address; it only needs to construct them consistently for callers and
// tests.
type Keys struct{}

func (Keys) GlobalThreads() Key { return HashKey("global:threads") }
func (Keys) GlobalPopular() Key { return HashKey("global:popular") }
func (Keys) GlobalRecent() Key  { return HashKey("global:recent") }
func (Keys) GlobalSeeds() Key   { return HashKey("global:seeds") }

func (Keys) ThreadMeta(threadID string) Key {
	return HashKey(fmt.Sprintf("thread:%s:meta", threadID))
}

func (Keys) ThreadIndex(threadID string) Key {
	return HashKey(fmt.Sprintf("thread:%s:index", threadID))
}

func (Keys) ThreadPopular(threadID string) Key {
	return HashKey(fmt.Sprintf("thread:%s:popular", threadID))
}

func (Keys) ThreadStats(threadID string) Key {
	return HashKey(fmt.Sprintf("thread:%s:stats", threadID))
}

func (Keys) Message(hexHash string) Key {
	return HashKey(fmt.Sprintf("msg:%s", hexHash))
}

func (Keys) MessageRefs(hexHash string) Key {
	return HashKey(fmt.Sprintf("msg:%s:refs", hexHash))
}

func (Keys) MessageVotes(hexHash string) Key {
	return HashKey(fmt.Sprintf("msg:%s:votes", hexHash))
}

func (Keys) UserProfile(userID string) Key {
	return HashKey(fmt.Sprintf("user:%s:profile", userID))
}

func (Keys) UserThreads(userID string) Key {
	return HashKey(fmt.Sprintf("user:%s:threads", userID))
}

func (Keys) UserReputation(userID string) Key {
	return HashKey(fmt.Sprintf("user:%s:reputation", userID))
}
