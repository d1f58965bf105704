package toolexecutor

import (
	"fmt"
	"strings"
)

// ToolCategory groups tools by the kind of side effect they have.
type ToolCategory string

const (
	CategoryRead         ToolCategory = "read"
	CategoryWrite        ToolCategory = "write"
	CategoryShell        ToolCategory = "shell"
	CategoryCoordination ToolCategory = "coordination"
)

// AllCategories returns all valid tool categories
func AllCategories() []ToolCategory {
	return []ToolCategory{
		CategoryRead,
		CategoryWrite,
		CategoryShell,
		CategoryCoordination,
	}
}

// ParseCategory converts a string into a ToolCategory.
func ParseCategory(category string) (ToolCategory, error) {
	cat := ToolCategory(strings.ToLower(strings.TrimSpace(category)))
	for _, valid := range AllCategories() {
		if cat == valid {
			return cat, nil
		}
	}
	return "", fmt.Errorf("invalid tool category: %s", category)
}

// DefaultLevel returns the permission level a tool of this category starts
// with before configuration overrides are applied.
func (c ToolCategory) DefaultLevel() PermissionLevel {
	switch c {
	case CategoryRead, CategoryCoordination:
		return LevelAlwaysAllowed
	case CategoryWrite, CategoryShell:
		return LevelAskUser
	default:
		return LevelAskUser
	}
}
