// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package bus

import "strings"

// Wildcard is a topic filter matching every topic.
const Wildcard = "#"

// levelSeparator splits a topic into levels. Detector ids are dot-separated
// ("fusion.respiration_rate"), so filters like "fusion.#" cover a family of
// synthetic detectors.
const levelSeparator = "."

// Matches checks if a topic name matches a topic filter. A "+" level matches
// any single level and a trailing "#" matches any remainder.
func Matches(topicFilter, topicName string) bool {
	filters := strings.Split(topicFilter, levelSeparator)
	names := strings.Split(topicName, levelSeparator)

	for i, filter := range filters {
		if filter == "#" {
			// Multi-level wildcard must be at the end.
			return i == len(filters)-1
		}
		if filter == "+" {
			// Single-level wildcard matches any single level.
			continue
		}
		if i >= len(names) || filter != names[i] {
			return false
		}
	}

	// Exact match is required if there are no wildcards left.
	return len(filters) == len(names)
}

// matchesAny reports whether the topic matches at least one filter. An empty
// filter set subscribes to everything.
func matchesAny(filters []string, topicName string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, filter := range filters {
		if Matches(filter, topicName) {
			return true
		}
	}
	return false
}
