package verify

import "sort"

// SampleIndexes picks the records a quick verification checks out of n: the
// first head, the three quartile points and the last. Indexes are unique and
// ascending.
func SampleIndexes(n, head int) []int {
	if n <= 0 {
		return nil
	}
	if head < 0 {
		head = 0
	}

	seen := make(map[int]bool)
	var out []int
	add := func(i int) {
		if i < 0 || i >= n || seen[i] {
			return
		}
		seen[i] = true
		out = append(out, i)
	}

	for i := 0; i < head && i < n; i++ {
		add(i)
	}
	for q := 1; q <= 3; q++ {
		add(q * n / 4)
	}
	add(n - 1)

	sort.Ints(out)
	return out
}
