package apps

import (
	"context"
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/cnwangfeng/dfms/pkg/node"
)

// CaseMap consumes text content and rewrites it with a Unicode case
// mapping: "upper", "lower" or "title".
type CaseMap struct {
	caser cases.Caser
}

// NewCaseMap builds a case-mapping logic for the given mode.
func NewCaseMap(mode string) (CaseMap, error) {
	switch mode {
	case "upper":
		return CaseMap{caser: cases.Upper(language.Und)}, nil
	case "lower":
		return CaseMap{caser: cases.Lower(language.Und)}, nil
	case "title":
		return CaseMap{caser: cases.Title(language.Und)}, nil
	default:
		return CaseMap{}, fmt.Errorf("unknown case mapping mode %q", mode)
	}
}

// Run implements node.Logic.
func (c CaseMap) Run(ctx context.Context, producer node.Node, out node.Output) error {
	data, err := node.AllContents(producer)
	if err != nil {
		return fmt.Errorf("failed to read producer %s: %w", producer.InstanceID(), err)
	}
	_, err = out.Write(ctx, c.caser.Bytes(data))
	return err
}
