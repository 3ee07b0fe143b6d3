package optimize

import (
	"fmt"
	"strconv"
	"strings"
)

// ReadFloats parses whitespace-separated floats. On error the values
// parsed before the bad field are returned.
func ReadFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	result := make([]float64, 0, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return result, fmt.Errorf("field %d: %w", i+1, err)
		}
		result = append(result, x)
	}
	return result, nil
}
