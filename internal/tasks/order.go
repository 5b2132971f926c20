package tasks

import "github.com/mpataki/foreman/internal/models"

// Order sorts tasks topologically on DependsOn using Kahn's algorithm.
// Ties keep declaration order. Dependencies on unknown ids add no edge.
// Tasks caught in a cycle are appended in declaration order; they can
// never become ready, so a pass skips them.
func Order(tasks []models.TaskItem) []models.TaskItem {
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		if _, dup := index[t.ID]; !dup {
			index[t.ID] = i
		}
	}

	inDegree := make([]int, len(tasks))
	dependents := make([][]int, len(tasks))
	for i, t := range tasks {
		for _, dep := range t.DependsOn {
			j, ok := index[dep]
			if !ok || j == i {
				continue
			}
			inDegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// The ready set is kept sorted by declaration index.
	var ready []int
	for i := range tasks {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]models.TaskItem, 0, len(tasks))
	placed := make([]bool, len(tasks))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		ordered = append(ordered, tasks[i])
		placed[i] = true

		for _, d := range dependents[i] {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = insertSorted(ready, d)
			}
		}
	}

	for i, t := range tasks {
		if !placed[i] {
			ordered = append(ordered, t)
		}
	}
	return ordered
}

func insertSorted(s []int, v int) []int {
	pos := len(s)
	for k, x := range s {
		if v < x {
			pos = k
			break
		}
	}
	s = append(s, 0)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

// Unmet returns the dependencies of t that are not done. Unknown ids count
// as unmet.
func Unmet(t models.TaskItem, done map[string]bool) []string {
	var unmet []string
	for _, dep := range t.DependsOn {
		if !done[dep] {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}
