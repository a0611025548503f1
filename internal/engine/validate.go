package engine

import (
	"fmt"

	"github.com/shaiso/Relay/internal/domain"
)

// Validate выполняет структурную валидацию WorkflowDefinition.
//
// Проверяет:
// - Наличие ID и узлов
// - Уникальность ID узлов
// - Наличие процессора у каждого узла
// - Валидность зависимостей (depends_on)
//
// Циклы обнаруживает BuildDAG.
func Validate(def *domain.WorkflowDefinition) error {
	if def == nil || len(def.Nodes) == 0 {
		return ErrEmptyNodes
	}
	if def.ID == "" {
		return NewValidationError("", "id", "workflow definition has empty ID", ErrEmptyDefinitionID)
	}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for i := range def.Nodes {
		if err := validateNode(&def.Nodes[i], nodeIDs); err != nil {
			return err
		}
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		for _, dep := range node.DependsOn {
			if !nodeIDs[dep] {
				return NewValidationError(node.ID, "depends_on",
					fmt.Sprintf("depends on unknown node: %s", dep), ErrMissingDependency)
			}
		}
	}
	return nil
}

// ValidateProcessors проверяет, что все процессоры узлов известны.
func ValidateProcessors(def *domain.WorkflowDefinition, known func(name string) bool) error {
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if !known(node.Processor) {
			return NewValidationError(node.ID, "processor",
				fmt.Sprintf("unknown processor: %s", node.Processor), ErrUnknownProcessor)
		}
	}
	return nil
}

// validateNode валидирует один узел.
// nodeIDs — уже встреченные ID (для проверки уникальности).
func validateNode(node *domain.NodeDef, nodeIDs map[string]bool) error {
	if node.ID == "" {
		return NewValidationError("", "id", "node has empty ID", ErrEmptyNodeID)
	}
	if nodeIDs[node.ID] {
		return NewValidationError(node.ID, "id",
			fmt.Sprintf("duplicate node ID: %s", node.ID), ErrDuplicateNodeID)
	}
	nodeIDs[node.ID] = true

	if node.Processor == "" {
		return NewValidationError(node.ID, "processor", "node has empty processor", ErrEmptyProcessor)
	}

	for _, dep := range node.DependsOn {
		if dep == node.ID {
			return NewValidationError(node.ID, "depends_on",
				"node depends on itself", ErrSelfDependency)
		}
	}
	return nil
}
