// Package tth builds and verifies Tiger Tree Hashes: a Merkle tree over
// fixed-size leaves of file data, Tiger-hashed with the THEX leaf/node
// prefix convention, rooted to a single identity.TTHValue.
package tth

import (
	"io"

	"github.com/prxssh/dchub/internal/identity"
	"github.com/prxssh/dchub/internal/tiger"
)

// LeafSize is the fixed THEX leaf size: every file is hashed in 1 KiB
// chunks regardless of how the block size is later promoted for storage.
const LeafSize = 1024

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// Tree holds the full Merkle structure for one file: its root, the level of
// node hashes at BlockSize granularity (for serving partial-tree/"GET
// TTHL" requests), and the promoted BlockSize itself.
type Tree struct {
	Root      identity.TTHValue
	BlockSize uint32
	Leaves    [][tiger.Size]byte
	Exposed   [][tiger.Size]byte
}

// Build reads all of r (size bytes total) and computes its Tiger Tree Hash.
func Build(r io.Reader, size int64) (*Tree, error) {
	leaves, err := hashLeaves(r)
	if err != nil {
		return nil, err
	}
	if len(leaves) == 0 {
		// Empty file: THEX defines the root of an empty stream as the
		// hash of a single empty leaf.
		leaves = [][tiger.Size]byte{tiger.Sum([]byte{leafPrefix})}
	}

	blockSize := PromoteBlockSize(size, int64(len(leaves)))

	level := leaves
	curBlockSize := uint32(LeafSize)
	var exposed [][tiger.Size]byte
	if curBlockSize == blockSize {
		exposed = cloneLevel(level)
	}

	for len(level) > 1 {
		level = reduceLevel(level)
		curBlockSize *= 2
		if curBlockSize == blockSize {
			exposed = cloneLevel(level)
		}
	}
	if exposed == nil {
		exposed = cloneLevel(level)
	}

	return &Tree{
		Root:      identity.TTHValue(level[0]),
		BlockSize: blockSize,
		Leaves:    leaves,
		Exposed:   exposed,
	}, nil
}

// PromoteBlockSize returns the smallest power-of-two block size, at least
// LeafSize, such that blockSize * leafCountAtThatSize >= size. When
// leafCount is the number of LeafSize leaves covering size, as in Build,
// the condition already holds at LeafSize and LeafSize is returned.
func PromoteBlockSize(size, leafCount int64) uint32 {
	blockSize := uint32(LeafSize)
	leaves := leafCount
	for int64(blockSize)*leaves < size && leaves > 1 {
		blockSize *= 2
		leaves = (leaves + 1) / 2
	}
	return blockSize
}

func hashLeaves(r io.Reader) ([][tiger.Size]byte, error) {
	var leaves [][tiger.Size]byte
	buf := make([]byte, LeafSize)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			leaves = append(leaves, hashLeaf(buf[:n]))
		}
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return leaves, nil
}

func hashLeaf(data []byte) [tiger.Size]byte {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, leafPrefix)
	buf = append(buf, data...)
	return tiger.Sum(buf)
}

func reduceLevel(level [][tiger.Size]byte) [][tiger.Size]byte {
	next := make([][tiger.Size]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 == len(level) {
			next = append(next, level[i])
			continue
		}
		buf := make([]byte, 0, 1+2*tiger.Size)
		buf = append(buf, nodePrefix)
		buf = append(buf, level[i][:]...)
		buf = append(buf, level[i+1][:]...)
		next = append(next, tiger.Sum(buf))
	}
	return next
}

func cloneLevel(level [][tiger.Size]byte) [][tiger.Size]byte {
	out := make([][tiger.Size]byte, len(level))
	copy(out, level)
	return out
}

// Verify reports whether root is consistent with the leaves recomputed from
// r. Used after a TREE download completes, per the download scheduler's
// tree-validation step.
func Verify(r io.Reader, size int64, root identity.TTHValue) (bool, error) {
	tree, err := Build(r, size)
	if err != nil {
		return false, err
	}
	return tree.Root == root, nil
}
