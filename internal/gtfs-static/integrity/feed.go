package integrity

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// DecodeFeed reads a JSON object mapping entity type names to arrays of
// records. Record values may be strings, numbers, booleans or null; they are
// kept as the text the validator expects, with null read as empty.
func DecodeFeed(r io.Reader) (Feed, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw map[string][]map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding feed: %w", err)
	}

	feed := make(Feed, len(raw))
	for name, records := range raw {
		group := make([]map[string]string, len(records))
		for i, rec := range records {
			fields := make(map[string]string, len(rec))
			for field, value := range rec {
				text, err := fieldText(value)
				if err != nil {
					return nil, fmt.Errorf("%s record %d field %s: %w", name, i, field, err)
				}
				fields[field] = text
			}
			group[i] = fields
		}
		feed[name] = group
	}
	return feed, nil
}

func fieldText(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	default:
		return "", fmt.Errorf("unsupported value %s", strconv.Quote(fmt.Sprint(v)))
	}
}
