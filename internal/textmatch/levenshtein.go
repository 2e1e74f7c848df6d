// Package textmatch holds the string comparison primitives used when
// reconciling model-written references against known identifiers.
package textmatch

// Distance returns the Levenshtein distance between a and b with unit cost
// for insertion, deletion and substitution. Comparison is by rune.
func Distance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// BoundedDistance is Distance with length pruning: when the rune lengths
// differ by more than max the strings cannot be within max edits, and
// max+1 is returned without running the full computation.
func BoundedDistance(a, b string, max int) int {
	la, lb := len([]rune(a)), len([]rune(b))
	diff := la - lb
	if diff < 0 {
		diff = -diff
	}
	if diff > max {
		return max + 1
	}
	return Distance(a, b)
}

// Nearest returns the candidate closest to query. ok is false when there
// are no candidates or the best distance exceeds maxDistance. Ties keep
// the candidate seen first.
func Nearest(query string, candidates []string, maxDistance int) (best string, dist int, ok bool) {
	i, dist, _ := scan(query, candidates, maxDistance)
	if i < 0 {
		return "", dist, false
	}
	return candidates[i], dist, true
}

// NearestUnique is Nearest that refuses ambiguity: it returns the index of
// the single closest candidate, and ok is false when two or more
// candidates share the best distance.
func NearestUnique(query string, candidates []string, maxDistance int) (index int, dist int, ok bool) {
	i, dist, ties := scan(query, candidates, maxDistance)
	if i < 0 || ties > 1 {
		return -1, dist, false
	}
	return i, dist, true
}

func scan(query string, candidates []string, maxDistance int) (best, dist, ties int) {
	best, dist = -1, maxDistance+1
	for i, c := range candidates {
		d := BoundedDistance(query, c, maxDistance)
		switch {
		case d < dist:
			best, dist, ties = i, d, 1
		case d == dist && best >= 0:
			ties++
		}
	}
	return best, dist, ties
}
