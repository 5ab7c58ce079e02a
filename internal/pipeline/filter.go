// Package pipeline implements the response-queue merge/flush algorithm
// and filter-chain forest described by §4.D, grounded directly on
// original_source/logger.py's DataLogger.
package pipeline

import "fmt"

// Record is one flushed or in-flight result: plain scalar/string
// fields keyed by label, plus the always-present "timestamp".
type Record map[string]any

// Filter transforms a Record into a derived Record (e.g. adding a
// computed label, dropping internal bookkeeping keys). ID must be
// globally unique and stable across calls to AddHandler for the same
// logical filter — it plays the role id(filt) played in the original,
// letting two handlers that share a filter prefix reuse one
// computation.
type Filter struct {
	ID    string
	Label string
	Apply func(Record) (Record, error)
}

// chainNode is one node of the filter-chain forest: the full ordered
// list of filter IDs from the root, and the key of its parent chain
// ("" for a chain rooted directly on the raw record).
type chainNode struct {
	ids    []string
	parent string
}

func chainKey(ids []string) string {
	key := ""
	for i, id := range ids {
		if i > 0 {
			key += "\x00"
		}
		key += id
	}
	return key
}

// longestPrefixChain returns the key of the registered chain whose ids
// form the longest proper prefix of ids, or "" if none does.
func (p *Pipeline) longestPrefixChain(ids []string) string {
	best := ""
	bestLen := -1
	for key, node := range p.chains {
		if len(node.ids) >= len(ids) || len(node.ids) <= bestLen {
			continue
		}
		if isPrefix(node.ids, ids) {
			best = key
			bestLen = len(node.ids)
		}
	}
	return best
}

func isPrefix(prefix, full []string) bool {
	if len(prefix) > len(full) {
		return false
	}
	for i, v := range prefix {
		if full[i] != v {
			return false
		}
	}
	return true
}

// ancestors walks key's parent chain up to the root, inclusive of key
// itself, and returns every key visited.
func (p *Pipeline) ancestors(key string) []string {
	var out []string
	for key != "" {
		out = append(out, key)
		node, ok := p.chains[key]
		if !ok {
			break
		}
		key = node.parent
	}
	return out
}

// evalChains runs every registered chain against raw, parents before
// descendants (chainOrder), and returns each chain's output record
// keyed by chain key, with raw itself under the empty key.
func (p *Pipeline) evalChains(raw Record) map[string]Record {
	recs := map[string]Record{"": raw}
	for _, key := range p.chainOrder() {
		node := p.chains[key]
		parentLen := 0
		if node.parent != "" {
			parentLen = len(p.chains[node.parent].ids)
		}
		nrec := recs[node.parent]
		for _, id := range node.ids[parentLen:] {
			f, ok := p.filtersByID[id]
			if !ok {
				continue
			}
			out, err := f.Apply(nrec)
			if err != nil {
				p.onFilterError(f, nrec, err)
				continue
			}
			nrec = out
		}
		recs[key] = nrec
	}
	return recs
}

// chainOrder returns every registered chain key ordered so a chain's
// parent always precedes it — sorting by ids length ascending suffices
// since a parent's ids are always strictly shorter than its child's.
func (p *Pipeline) chainOrder() []string {
	keys := make([]string, 0, len(p.chains))
	for k := range p.chains {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && len(p.chains[keys[j-1]].ids) > len(p.chains[keys[j]].ids); j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func (p *Pipeline) onFilterError(f *Filter, rec Record, err error) {
	p.log.Error("pipeline: filter raised error", "filter", f.Label, "error", err)
	if p.elogger != nil {
		p.elogger(fmt.Sprintf("filter %s", f.Label), rec, err)
	}
}
