package apps

import (
	"context"
	"fmt"
	"hash/crc32"
	"strconv"

	"github.com/cnwangfeng/dfms/pkg/node"
)

// CRCResult consumes a producer's finalized content and stores the CRC32
// checksum of that content as a decimal string.
type CRCResult struct{}

// Run implements node.Logic.
func (CRCResult) Run(ctx context.Context, producer node.Node, out node.Output) error {
	data, err := node.AllContents(producer)
	if err != nil {
		return fmt.Errorf("failed to read producer %s: %w", producer.InstanceID(), err)
	}
	crc := crc32.ChecksumIEEE(data)
	_, err = out.Write(ctx, []byte(strconv.FormatUint(uint64(crc), 10)))
	return err
}

// ChecksumSum consumes a container and stores the sum of the checksums of
// all leaf nodes under it, descending depth-first into nested containers.
type ChecksumSum struct{}

// Run implements node.Logic.
func (ChecksumSum) Run(ctx context.Context, producer node.Node, out node.Output) error {
	container, ok := producer.(node.Container)
	if !ok {
		return fmt.Errorf("checksum sum consumes only container nodes, got %s", producer.InstanceID())
	}
	total := sumChecksums(container)
	_, err := out.Write(ctx, []byte(strconv.FormatUint(total, 10)))
	return err
}

func sumChecksums(container node.Container) uint64 {
	var total uint64
	for _, child := range container.Children() {
		if nested, ok := child.(node.Container); ok && child.IsContainer() {
			total += sumChecksums(nested)
			continue
		}
		total += uint64(child.Checksum())
	}
	return total
}
