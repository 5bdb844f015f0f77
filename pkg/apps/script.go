package apps

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/cnwangfeng/dfms/pkg/node"
)

// Script consumes text content and transforms it with a user-provided
// JavaScript snippet. The producer's content is bound to the global
// "content" variable; the value of the script's final expression becomes
// the node's output.
type Script struct {
	Source string
}

// Run implements node.Logic.
func (s Script) Run(ctx context.Context, producer node.Node, out node.Output) error {
	data, err := node.AllContents(producer)
	if err != nil {
		return fmt.Errorf("failed to read producer %s: %w", producer.InstanceID(), err)
	}

	vm := goja.New()
	if err := vm.Set("content", string(data)); err != nil {
		return fmt.Errorf("failed to bind script input: %w", err)
	}

	value, err := vm.RunString(s.Source)
	if err != nil {
		if exc, ok := err.(*goja.Exception); ok {
			return fmt.Errorf("script raised: %s", exc.Value().String())
		}
		return fmt.Errorf("script failed: %w", err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return fmt.Errorf("script produced no output")
	}

	_, err = out.Write(ctx, []byte(value.String()))
	return err
}
