// Package thread rebuilds reply threads from the flat set of stored
// records of one conversation.
//
// A conversation is a reply tree rooted at the tweet whose id equals the
// conversation id. Each first-level reply to the root starts a branch, and
// every deeper reply belongs to the branch its parent chain leads to.
// Threads are emitted per branch, but only for branches that contain at
// least one reply by the tracked account.
package thread

// Resolve maps every id in parents to its branch key: the ancestor (or the
// record itself) whose parent is rootID.
//
// parents maps record id to parent id ("" for none). When the walk reaches
// a record with no parent, or a parent that is not in the map, the highest
// ancestor reached becomes the branch key. A cycle yields the starting id.
// Resolve performs no I/O.
func Resolve(rootID string, parents map[string]string) map[string]string {
	branchOf := make(map[string]string, len(parents))
	for id := range parents {
		branchOf[id] = branchKey(id, rootID, parents)
	}
	return branchOf
}

func branchKey(start, rootID string, parents map[string]string) string {
	visited := map[string]struct{}{start: {}}
	cur := start
	for {
		parent := parents[cur]
		if parent == "" || parent == rootID {
			return cur
		}
		if _, known := parents[parent]; !known {
			return cur
		}
		if _, seen := visited[parent]; seen {
			return start
		}
		visited[parent] = struct{}{}
		cur = parent
	}
}
