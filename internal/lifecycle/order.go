package lifecycle

import "marketpulse/pkg/logx"

// startOrderLocked returns component names with every dependency before its
// dependents. Roots are visited in registration order so the result is stable.
// Unknown dependency names are skipped.
func (m *Manager) startOrderLocked() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(m.comps))
	out := make([]string, 0, len(m.comps))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			path := []string{name}
			for i := len(stack) - 1; i >= 0; i-- {
				path = append([]string{stack[i]}, path...)
				if stack[i] == name {
					break
				}
			}
			return &CycleError{Path: path}
		}
		state[name] = visiting
		stack = append(stack, name)

		for _, dep := range m.comps[name].deps {
			if _, ok := m.comps[dep]; !ok {
				m.log.Debug("ignoring unknown dependency", logx.String("component", name), logx.String("dependency", dep))
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		out = append(out, name)
		return nil
	}

	for _, name := range m.order {
		if state[name] == unvisited {
			if err := visit(name); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
