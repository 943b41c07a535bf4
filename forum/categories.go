package forum

import (
	"sort"

	"golang.org/x/xerrors"
)

// CategoryNode is a category with its children, in display order.
type CategoryNode struct {
	Category
	Children []*CategoryNode
}

// BuildCategoryTree arranges a flat category list into forums, groups and
// divisions. A category whose level does not sit directly below its parent
// is an error, as is a parent that is missing from the list.
func BuildCategoryTree(cats []Category) ([]*CategoryNode, error) {
	nodes := make(map[int64]*CategoryNode, len(cats))
	for _, c := range cats {
		if c.Level < LevelForum || c.Level > LevelDivision {
			return nil, xerrors.Errorf("category %d: level %d out of range", c.ID, c.Level)
		}
		nodes[c.ID] = &CategoryNode{Category: c}
	}

	var roots []*CategoryNode
	for _, c := range cats {
		n := nodes[c.ID]
		if c.ParentID == nil {
			if c.Level != LevelForum {
				return nil, xerrors.Errorf("category %d: level %d has no parent", c.ID, c.Level)
			}
			roots = append(roots, n)
			continue
		}
		parent, ok := nodes[*c.ParentID]
		if !ok {
			return nil, xerrors.Errorf("category %d: parent %d not found", c.ID, *c.ParentID)
		}
		if parent.Level+1 != c.Level {
			return nil, xerrors.Errorf("category %d: level %d under level %d parent", c.ID, c.Level, parent.Level)
		}
		parent.Children = append(parent.Children, n)
	}

	sortNodes(roots)
	return roots, nil
}

func sortNodes(nodes []*CategoryNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Position != nodes[j].Position {
			return nodes[i].Position < nodes[j].Position
		}
		return nodes[i].Name < nodes[j].Name
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}
