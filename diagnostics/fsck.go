package diagnostics

import (
	"fmt"

	"github.com/augustday/ublockfs/fs"
	"github.com/augustday/ublockfs/inode"
)

// RunFsck performs a read-only scan of a mounted filesystem against
// spec.md §8's quantified invariants (I1-I5; I6/I7 are properties of the
// cache and of resolve()'s termination, not of static on-disk state, so
// they aren't checked here) and returns every violation found. A clean
// filesystem returns an empty, non-nil slice.
func RunFsck(f *fs.Filesystem) ([]ViolationRow, error) {
	violations := make([]ViolationRow, 0)

	inodes, err := f.AllInodes()
	if err != nil {
		return nil, err
	}
	byID := make(map[uint32]*inode.Inode, len(inodes))
	for _, n := range inodes {
		byID[n.ID] = n
	}

	// I1: every block in an inode's extent is marked allocated.
	for _, n := range inodes {
		for b := n.StartBlock; b < n.StartBlock+n.BlockCount; b++ {
			if !f.IsBlockAllocated(b) {
				violations = append(violations, ViolationRow{
					Invariant: "I1", InodeID: n.ID,
					Detail: fmt.Sprintf("block %d of extent is not marked allocated", b),
				})
			}
		}
	}

	// I2: no two inodes' extents overlap.
	for i, a := range inodes {
		for _, b := range inodes[i+1:] {
			if extentsOverlap(a, b) {
				violations = append(violations, ViolationRow{
					Invariant: "I2", InodeID: a.ID,
					Detail: fmt.Sprintf("extent overlaps inode %d", b.ID),
				})
			}
		}
	}

	// I3 and I4: directory entries point at correctly-parented, non-
	// duplicated names including exactly one "." and one "..".
	for _, n := range inodes {
		if !n.IsDir() {
			continue
		}
		entries, err := f.ListDirectoryByInode(n)
		if err != nil {
			return nil, err
		}

		seen := make(map[string]int, len(entries))
		dotCount, dotdotCount := 0, 0
		for _, e := range entries {
			seen[e.Name]++
			switch e.Name {
			case ".":
				dotCount++
				continue
			case "..":
				dotdotCount++
				continue
			}
			child, ok := byID[e.InodeID]
			if !ok {
				violations = append(violations, ViolationRow{
					Invariant: "I3", InodeID: n.ID,
					Detail: fmt.Sprintf("entry %q refers to unallocated inode %d", e.Name, e.InodeID),
				})
				continue
			}
			if child.ParentID != n.ID {
				violations = append(violations, ViolationRow{
					Invariant: "I3", InodeID: n.ID,
					Detail: fmt.Sprintf("entry %q's inode %d has parent_id %d", e.Name, e.InodeID, child.ParentID),
				})
			}
		}
		if dotCount != 1 || dotdotCount != 1 {
			violations = append(violations, ViolationRow{
				Invariant: "I4", InodeID: n.ID,
				Detail: fmt.Sprintf("expected exactly one '.' and one '..', found %d and %d", dotCount, dotdotCount),
			})
		}
		for name, count := range seen {
			if count > 1 {
				violations = append(violations, ViolationRow{
					Invariant: "I4", InodeID: n.ID,
					Detail: fmt.Sprintf("duplicate entry name %q appears %d times", name, count),
				})
			}
		}
	}

	// I5: free count equals total blocks minus the popcount of the bitmap.
	total := f.TotalBlocks()
	used := uint32(0)
	for b := uint32(0); b < total; b++ {
		if f.IsBlockAllocated(b) {
			used++
		}
	}
	stat, err := f.Df()
	if err != nil {
		return nil, err
	}
	if stat.FreeBlocks != total-used {
		violations = append(violations, ViolationRow{
			Invariant: "I5", InodeID: 0,
			Detail: fmt.Sprintf("reported free_count %d, popcount implies %d", stat.FreeBlocks, total-used),
		})
	}

	return violations, nil
}

func extentsOverlap(a, b *inode.Inode) bool {
	if a.BlockCount == 0 || b.BlockCount == 0 {
		return false
	}
	aEnd := a.StartBlock + a.BlockCount
	bEnd := b.StartBlock + b.BlockCount
	return a.StartBlock < bEnd && b.StartBlock < aEnd
}
