package sparse

import "sort"

// adjacency returns the symmetric neighbor lists of the graph described by
// the off-diagonal pattern of A.
func adjacency(A *CRS) [][]int {
	adj := make([][]int, A.Size)
	for i := 0; i < A.Size; i++ {
		for p := A.RowOffs[i]; p < A.RowOffs[i+1]; p++ {
			j := A.ColIdxs[p]
			if j != i {
				adj[i] = append(adj[i], j)
				adj[j] = append(adj[j], i)
			}
		}
	}
	return adj
}

// RCM provides an alternate degree-of-freedom reordering of A that provides
// better bandwidth properties for factorization. The returned slice maps each
// original index to its new position.
func RCM(A *CRS) []int {
	size := A.Size
	adj := adjacency(A)

	degreemap := make([]int, size)
	for i := range degreemap {
		degreemap[i] = i
	}

	sort.SliceStable(degreemap, func(i, j int) bool {
		return len(adj[degreemap[i]]) < len(adj[degreemap[j]])
	})

	// breadth-first search across adjacency/connections between nodes/dofs
	seen := make([]bool, size)
	order := make([]int, 0, size)
	var nextlevel []int
	for len(order) < size {
		if len(nextlevel) == 0 {
			// Matrix does not represent a fully connected graph. Start the
			// next component from the lowest degree dof not yet mapped.
			for _, k := range degreemap {
				if !seen[k] {
					seen[k] = true
					order = append(order, k)
					nextlevel = []int{k}
					break
				}
			}
		}
		nextlevel = nextRCMLevel(adj, seen, &order, nextlevel)
	}

	perm := make([]int, size)
	for pos, i := range order {
		perm[i] = size - 1 - pos
	}
	return perm
}

func nextRCMLevel(adj [][]int, seen []bool, order *[]int, ii []int) []int {
	var nextlevel []int
	tmp := []int{}
	for _, i := range ii {
		tmp = tmp[:0]
		for _, j := range adj[i] {
			if !seen[j] {
				seen[j] = true
				tmp = append(tmp, j)
			}
		}

		// sort tmp and insert into mapping batched by src row
		sort.SliceStable(tmp, func(a, b int) bool {
			return len(adj[tmp[a]]) < len(adj[tmp[b]])
		})
		*order = append(*order, tmp...)
		nextlevel = append(nextlevel, tmp...)
	}
	return nextlevel
}
