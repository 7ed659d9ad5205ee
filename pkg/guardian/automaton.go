package guardian

// automaton is an Aho-Corasick multi-pattern matcher over lowercased input.
// Search time is linear in the input length regardless of rule count, which
// keeps quick-check latency flat as the rule file grows.
type automaton struct {
	next []map[byte]int32
	fail []int32
	out  [][]int32 // pattern indexes terminating at this state
	lens []int     // pattern length per pattern index
}

// newAutomaton builds the goto/fail/output tables for the given lowercased
// literal patterns. Pattern order is preserved in the emitted indexes.
func newAutomaton(patterns []string) *automaton {
	a := &automaton{
		next: []map[byte]int32{make(map[byte]int32)},
		fail: []int32{0},
		out:  [][]int32{nil},
		lens: make([]int, len(patterns)),
	}

	for idx, pattern := range patterns {
		a.lens[idx] = len(pattern)
		state := int32(0)
		for i := 0; i < len(pattern); i++ {
			c := pattern[i]
			child, ok := a.next[state][c]
			if !ok {
				child = int32(len(a.next))
				a.next = append(a.next, make(map[byte]int32))
				a.fail = append(a.fail, 0)
				a.out = append(a.out, nil)
				a.next[state][c] = child
			}
			state = child
		}
		a.out[state] = append(a.out[state], int32(idx))
	}

	// BFS to wire failure links and merge outputs.
	queue := make([]int32, 0, len(a.next))
	for _, child := range a.next[0] {
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]
		for c, child := range a.next[state] {
			queue = append(queue, child)
			f := a.fail[state]
			for {
				if target, ok := a.next[f][c]; ok && target != child {
					a.fail[child] = target
					break
				}
				if f == 0 {
					a.fail[child] = 0
					break
				}
				f = a.fail[f]
			}
			if fo := a.out[a.fail[child]]; len(fo) > 0 {
				a.out[child] = append(a.out[child], fo...)
			}
		}
	}

	return a
}

// hit is one automaton detection: the pattern index and the match span.
type hit struct {
	pattern int32
	start   int
	end     int
}

// search scans lowercased text and returns every pattern occurrence.
func (a *automaton) search(text string) []hit {
	var hits []hit
	state := int32(0)
	for i := 0; i < len(text); i++ {
		c := text[i]
		for {
			if child, ok := a.next[state][c]; ok {
				state = child
				break
			}
			if state == 0 {
				break
			}
			state = a.fail[state]
		}
		for _, idx := range a.out[state] {
			hits = append(hits, hit{
				pattern: idx,
				start:   i + 1 - a.lens[idx],
				end:     i + 1,
			})
		}
	}
	return hits
}
