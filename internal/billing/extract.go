package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/refly-ai/credit-engine/internal/schema"
)

// maxAggregatedElements caps the size of any aggregated array field. The
// cap is a denial-of-service guard: exceeding it aborts the calculation
// instead of silently truncating.
const maxAggregatedElements = 1000

// ErrAggregationTooLarge is returned when a wildcard field holds more than
// maxAggregatedElements entries.
var ErrAggregationTooLarge = errors.New("billing: aggregated field exceeds element cap")

// extractValue extracts the value at fieldPath from a data record. Wildcard
// paths aggregate across the base array: with no trailing field the raw
// array is returned; with a trailing field the surviving (non-null) mapped
// values are joined with a space for text or returned as-is for media
// categories. Missing values return nil, nil.
func extractValue(data map[string]any, fieldPath string, category Category) (any, error) {
	segments, ok := schema.SplitPath(fieldPath)
	if !ok {
		return nil, fmt.Errorf("billing: invalid field path %q", fieldPath)
	}

	wildcardAt := -1
	for i, seg := range segments {
		if seg.Array && seg.Index < 0 {
			if wildcardAt >= 0 {
				return nil, fmt.Errorf("billing: nested wildcard in field path %q", fieldPath)
			}
			wildcardAt = i
		}
	}

	if wildcardAt < 0 {
		return lookup(data, segments), nil
	}

	base := lookup(data, segments[:wildcardAt+1])
	elements, isArray := base.([]any)
	if !isArray {
		return nil, nil
	}
	if len(elements) > maxAggregatedElements {
		return nil, fmt.Errorf("%w: %q has %d elements", ErrAggregationTooLarge, fieldPath, len(elements))
	}

	trailing := segments[wildcardAt+1:]
	if len(trailing) == 0 {
		return elements, nil
	}

	survivors := make([]any, 0, len(elements))
	for _, element := range elements {
		record, okRecord := element.(map[string]any)
		if !okRecord {
			continue
		}
		value := lookup(record, trailing)
		if value == nil {
			continue
		}
		survivors = append(survivors, value)
	}

	if category == CategoryText {
		parts := make([]string, 0, len(survivors))
		for _, value := range survivors {
			if text, okText := value.(string); okText {
				parts = append(parts, text)
			}
		}
		if len(parts) == 0 {
			return nil, nil
		}
		return strings.Join(parts, " "), nil
	}
	if len(survivors) == 0 {
		return nil, nil
	}
	return survivors, nil
}

// lookup walks segments through nested maps and indexed arrays. The final
// segment's array marker is treated as part of the lookup: name[*] yields
// the raw value at name, name[idx] yields that element.
func lookup(data map[string]any, segments []schema.Segment) any {
	var current any = data
	for _, seg := range segments {
		record, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		value, exists := record[seg.Name]
		if !exists {
			return nil
		}
		if seg.Array && seg.Index >= 0 {
			elements, okArray := value.([]any)
			if !okArray || seg.Index >= len(elements) {
				return nil
			}
			value = elements[seg.Index]
		}
		current = value
	}
	return current
}
