package directory

import (
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// exactCache accelerates repeated dispatch to addresses with no
// pattern characters (or the '!' hint) by remembering the resolved
// leaf node, avoiding a fresh trie descent. It is an immutable radix
// tree swapped on every write, following the same
// read-snapshot/write-transaction discipline as iradix.Tree-backed
// RPC call routing (broker/rpc/caller.go), generalized from call-id
// keys to slash-joined address keys.
type exactCache struct {
	tree *iradix.Tree
}

func newExactCache() *exactCache {
	return &exactCache{tree: iradix.New()}
}

func cacheKey(service string, segs []string) []byte {
	return []byte(service + "/" + strings.Join(segs, "/"))
}

func (c *exactCache) lookup(service string, segs []string, noWildcards bool) (*Node, bool) {
	if !noWildcards && anyHasPatternChars(segs) {
		return nil, false
	}
	v, ok := c.tree.Get(cacheKey(service, segs))
	if !ok {
		return nil, false
	}
	return v.(*Node), true
}

func (c *exactCache) put(service string, segs []string, leaf *Node) {
	txn := c.tree.Txn()
	txn.Insert(cacheKey(service, segs), leaf)
	c.tree = txn.Commit()
}

func (c *exactCache) invalidate() {
	c.tree = iradix.New()
}
