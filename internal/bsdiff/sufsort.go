package bsdiff

import "bytes"

// qsufsort builds the suffix array of buf with Larsson-Sadakane prefix
// doubling. The result has len(buf)+1 entries; the empty suffix (position
// len(buf)) sorts first.
func qsufsort(buf []byte) []int {
	n := len(buf)
	I := make([]int, n+1)
	V := make([]int, n+1)

	var buckets [256]int
	for _, c := range buf {
		buckets[c]++
	}
	for i := 1; i < 256; i++ {
		buckets[i] += buckets[i-1]
	}
	for i := 255; i > 0; i-- {
		buckets[i] = buckets[i-1]
	}
	buckets[0] = 0

	for i, c := range buf {
		buckets[c]++
		I[buckets[c]] = i
	}
	I[0] = n
	for i, c := range buf {
		V[i] = buckets[c]
	}
	V[n] = 0
	for i := 1; i < 256; i++ {
		if buckets[i] == buckets[i-1]+1 {
			I[buckets[i]] = -1
		}
	}
	I[0] = -1

	for h := 1; I[0] != -(n + 1); h += h {
		run := 0
		i := 0
		for i < n+1 {
			if I[i] < 0 {
				run -= I[i]
				i -= I[i]
				continue
			}
			if run != 0 {
				I[i-run] = -run
			}
			run = V[I[i]] + 1 - i
			split(I, V, i, run, h)
			i += run
			run = 0
		}
		if run != 0 {
			I[i-run] = -run
		}
	}

	for i := 0; i < n+1; i++ {
		I[V[i]] = i
	}
	return I
}

// split refines the unsorted group I[start:start+length] by the rank found h
// positions further into each suffix.
func split(I, V []int, start, length, h int) {
	if length < 16 {
		for k := start; k < start+length; {
			j := 1
			x := V[I[k]+h]
			for i := 1; k+i < start+length; i++ {
				v := V[I[k+i]+h]
				if v < x {
					x = v
					j = 0
				}
				if v == x {
					I[k+j], I[k+i] = I[k+i], I[k+j]
					j++
				}
			}
			for i := 0; i < j; i++ {
				V[I[k+i]] = k + j - 1
			}
			if j == 1 {
				I[k] = -1
			}
			k += j
		}
		return
	}

	x := V[I[start+length/2]+h]
	jj, kk := 0, 0
	for i := start; i < start+length; i++ {
		v := V[I[i]+h]
		if v < x {
			jj++
		}
		if v == x {
			kk++
		}
	}
	jj += start
	kk += jj

	i, j, k := start, 0, 0
	for i < jj {
		v := V[I[i]+h]
		switch {
		case v < x:
			i++
		case v == x:
			I[i], I[jj+j] = I[jj+j], I[i]
			j++
		default:
			I[i], I[kk+k] = I[kk+k], I[i]
			k++
		}
	}
	for jj+j < kk {
		if V[I[jj+j]+h] == x {
			j++
			continue
		}
		I[jj+j], I[kk+k] = I[kk+k], I[jj+j]
		k++
	}

	if jj > start {
		split(I, V, start, jj-start, h)
	}
	for i := 0; i < kk-jj; i++ {
		V[I[jj+i]] = kk - 1
	}
	if jj == kk-1 {
		I[jj] = -1
	}
	if start+length > kk {
		split(I, V, kk, start+length-kk, h)
	}
}

// matchLen returns the length of the common prefix of a and b.
func matchLen(a, b []byte) int {
	i := 0
	for i < len(a) && i < len(b) && a[i] == b[i] {
		i++
	}
	return i
}

// search finds the suffix of old (via suffix array I) sharing the longest
// prefix with target. It returns the suffix position and the match length.
func search(I []int, old, target []byte) (pos, n int) {
	st, en := 0, len(old)
	for en-st >= 2 {
		x := st + (en-st)/2
		m := len(old) - I[x]
		if len(target) < m {
			m = len(target)
		}
		if bytes.Compare(old[I[x]:I[x]+m], target[:m]) < 0 {
			st = x
		} else {
			en = x
		}
	}
	a := matchLen(old[I[st]:], target)
	b := matchLen(old[I[en]:], target)
	if a > b {
		return I[st], a
	}
	return I[en], b
}
