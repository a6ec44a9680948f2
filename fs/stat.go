package fs

import "github.com/augustday/ublockfs/inode"

// FileStat is the information `stat <path>` reports about one inode.
type FileStat struct {
	InodeID    uint32
	Name       string
	Type       inode.Type
	Size       uint32
	BlockCount uint32
	StartBlock uint32
	ParentID   uint32
	CreateTime int64
	ModifyTime int64
}

// FSStat is the information `df` reports about the mounted image as a
// whole.
type FSStat struct {
	BlockSize     uint32
	TotalBlocks   uint32
	FreeBlocks    uint32
	UsedBlocks    uint32
	InodeCapacity uint32
	InodesUsed    uint32
	CacheFrames   int
}

func statFromInode(n *inode.Inode) FileStat {
	return FileStat{
		InodeID:    n.ID,
		Name:       n.Name,
		Type:       n.Type,
		Size:       n.Size,
		BlockCount: n.BlockCount,
		StartBlock: n.StartBlock,
		ParentID:   n.ParentID,
		CreateTime: n.CreateTime,
		ModifyTime: n.ModifyTime,
	}
}
