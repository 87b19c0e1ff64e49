package history

import (
	"fmt"
	"os"

	"github.com/buger/jsonparser"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// MethodSummary counts the records of one method in a history file.
type MethodSummary struct {
	Method          string
	Local           int
	Remote          int
	NewestTimestamp int64
}

// Inspect summarises a history file without loading it into a Store.
func Inspect(path string) ([]MethodSummary, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	summaries := make(map[string]*MethodSummary)
	err = jsonparser.ObjectEach(content, func(key []byte, value []byte, dataType jsonparser.ValueType, offset int) error {
		if dataType != jsonparser.Array {
			return fmt.Errorf("%w: records of %s are not an array", ErrCorruptedHistory, string(key))
		}
		summary := &MethodSummary{Method: string(key)}
		summaries[summary.Method] = summary

		var inner error
		_, err := jsonparser.ArrayEach(value, func(record []byte, _ jsonparser.ValueType, _ int, _ error) {
			if inner != nil {
				return
			}
			loc, err := jsonparser.GetString(record, "location")
			if err != nil {
				inner = err
				return
			}
			switch Location(loc) {
			case LOCAL:
				summary.Local++
			case REMOTE:
				summary.Remote++
			}
			if ts, err := jsonparser.GetInt(record, "timestamp"); err == nil && ts > summary.NewestTimestamp {
				summary.NewestTimestamp = ts
			}
		})
		if err != nil {
			return err
		}
		return inner
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedHistory, err)
	}

	methods := maps.Keys(summaries)
	slices.Sort(methods)
	result := make([]MethodSummary, 0, len(methods))
	for _, m := range methods {
		result = append(result, *summaries[m])
	}
	return result, nil
}
