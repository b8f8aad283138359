package correlation

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"relaybot/internal/domain"
)

// record is the on-disk value. The file is a JSON object keyed by
// notification id.
type record struct {
	AccountID  string    `json:"accountId"`
	Conversant string    `json:"conversant"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

func encodeTable(table map[domain.NotificationID]Entry) ([]byte, error) {
	out := make(map[string]record, len(table))
	for id, e := range table {
		out[string(id)] = record{
			AccountID:  e.AccountID,
			Conversant: e.Conversant,
			CreatedAt:  e.CreatedAt.UTC(),
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// decodeTable parses a file, normalizing keys so that numeric ids written
// as "0501" or "501.0" resolve to "501". Records without an account are
// rejected; two keys that normalize to the same id are a corrupt file.
func decodeTable(data []byte) (map[domain.NotificationID]Entry, error) {
	var raw map[string]record
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("correlation file is not an object")
	}
	table := make(map[domain.NotificationID]Entry, len(raw))
	for key, rec := range raw {
		id := domain.NormalizeID(key)
		if id == "" {
			return nil, fmt.Errorf("empty notification id")
		}
		if rec.AccountID == "" {
			return nil, fmt.Errorf("notification %s: missing accountId", id)
		}
		if _, dup := table[id]; dup {
			return nil, fmt.Errorf("notification %s appears twice", id)
		}
		table[id] = Entry{
			OriginDescriptor: domain.OriginDescriptor{AccountID: rec.AccountID, Conversant: rec.Conversant},
			CreatedAt:        rec.CreatedAt,
		}
	}
	return table, nil
}

// Inspect decodes the live file at path without opening a Store and returns
// its entry count. Unlike Open it never moves a corrupt file aside.
func Inspect(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	table, err := decodeTable(data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return len(table), nil
}
