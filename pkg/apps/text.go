package apps

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cnwangfeng/dfms/pkg/node"
)

// Grep consumes text content and keeps only the lines containing Substring,
// with their line terminators preserved.
type Grep struct {
	Substring string
}

// Run implements node.Logic.
func (g Grep) Run(ctx context.Context, producer node.Node, out node.Output) error {
	data, err := node.AllContents(producer)
	if err != nil {
		return fmt.Errorf("failed to read producer %s: %w", producer.InstanceID(), err)
	}
	for _, line := range splitLines(string(data)) {
		if strings.Contains(line, g.Substring) {
			if _, err := out.Write(ctx, []byte(line)); err != nil {
				return err
			}
		}
	}
	return nil
}

// SortLines consumes text content and emits its lines sorted
// lexicographically, terminators included.
type SortLines struct{}

// Run implements node.Logic.
func (SortLines) Run(ctx context.Context, producer node.Node, out node.Output) error {
	data, err := node.AllContents(producer)
	if err != nil {
		return fmt.Errorf("failed to read producer %s: %w", producer.InstanceID(), err)
	}
	lines := splitLines(string(data))
	sort.Strings(lines)
	for _, line := range lines {
		if _, err := out.Write(ctx, []byte(line)); err != nil {
			return err
		}
	}
	return nil
}

// ReverseTokens consumes text content and reverses each whitespace-delimited
// token in place, keeping the delimiters where they were.
type ReverseTokens struct{}

// Run implements node.Logic.
func (ReverseTokens) Run(ctx context.Context, producer node.Node, out node.Output) error {
	data, err := node.AllContents(producer)
	if err != nil {
		return fmt.Errorf("failed to read producer %s: %w", producer.InstanceID(), err)
	}
	var buf []byte
	for _, b := range data {
		if b == ' ' || b == '\n' {
			if _, err := out.Write(ctx, reverse(buf)); err != nil {
				return err
			}
			if _, err := out.Write(ctx, []byte{b}); err != nil {
				return err
			}
			buf = buf[:0]
			continue
		}
		buf = append(buf, b)
	}
	if len(buf) > 0 {
		if _, err := out.Write(ctx, reverse(buf)); err != nil {
			return err
		}
	}
	return nil
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

// splitLines splits s into lines with their terminators preserved; a final
// unterminated line is kept as-is. The empty tail produced by SplitAfter on
// terminator-ending input is dropped.
func splitLines(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
