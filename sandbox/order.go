// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "log/slog"

// resolveOrder computes the execution order for the registered modules: a
// depth-first topological sort over declared dependencies, stable with
// respect to registration order. A dependency on an unregistered module is
// logged and skipped. A cycle is logged and broken at the revisited edge,
// so the offending module is emitted after the modules it reaches.
func resolveOrder(modules []Module, logger *slog.Logger) []Module {
	byName := make(map[string]Module, len(modules))
	for _, m := range modules {
		byName[m.Name()] = m
	}

	var (
		order   []Module
		visited = make(map[string]bool)
		temp    = make(map[string]bool)
	)

	var visit func(name string)
	visit = func(name string) {
		if temp[name] {
			logger.Warn("circular module dependency detected", "module", name)
			return
		}
		if visited[name] {
			return
		}
		m, ok := byName[name]
		if !ok {
			logger.Warn("dependency on unregistered module", "module", name)
			return
		}

		temp[name] = true
		for _, dep := range m.Dependencies() {
			visit(dep)
		}
		delete(temp, name)

		visited[name] = true
		order = append(order, m)
	}

	for _, m := range modules {
		visit(m.Name())
	}
	return order
}
