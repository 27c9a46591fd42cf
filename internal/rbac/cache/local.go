package rbaccache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type decisionKey struct {
	userID     int64
	permission string
}

// localTier is the fast process-local tier: three expirable LRUs, one per
// cached entity. Entries expire after the local TTL and the LRU bound keeps
// memory flat under load.
type localTier struct {
	users     *lru.LRU[int64, []string]
	roles     *lru.LRU[int64, []string]
	decisions *lru.LRU[decisionKey, bool]
}

func newLocalTier(maxEntries int, ttl time.Duration) *localTier {
	return &localTier{
		users:     lru.NewLRU[int64, []string](maxEntries, nil, ttl),
		roles:     lru.NewLRU[int64, []string](maxEntries, nil, ttl),
		decisions: lru.NewLRU[decisionKey, bool](maxEntries, nil, ttl),
	}
}

func (t *localTier) getUser(userID int64) ([]string, bool) {
	return t.users.Get(userID)
}

func (t *localTier) setUser(userID int64, perms []string) {
	t.users.Add(userID, perms)
}

func (t *localTier) removeUser(userID int64) {
	t.users.Remove(userID)
}

func (t *localTier) getRole(roleID int64) ([]string, bool) {
	return t.roles.Get(roleID)
}

func (t *localTier) setRole(roleID int64, perms []string) {
	t.roles.Add(roleID, perms)
}

func (t *localTier) removeRole(roleID int64) {
	t.roles.Remove(roleID)
}

func (t *localTier) getDecision(userID int64, permission string) (bool, bool) {
	return t.decisions.Get(decisionKey{userID: userID, permission: permission})
}

func (t *localTier) setDecision(userID int64, permission string, granted bool) {
	t.decisions.Add(decisionKey{userID: userID, permission: permission}, granted)
}

func (t *localTier) removeDecision(userID int64, permission string) {
	t.decisions.Remove(decisionKey{userID: userID, permission: permission})
}

func (t *localTier) removeUserDecisions(userID int64) {
	for _, key := range t.decisions.Keys() {
		if key.userID == userID {
			t.decisions.Remove(key)
		}
	}
}

func (t *localTier) purge() {
	t.users.Purge()
	t.roles.Purge()
	t.decisions.Purge()
}

func (t *localTier) counts() (users, roles, decisions int) {
	return t.users.Len(), t.roles.Len(), t.decisions.Len()
}
