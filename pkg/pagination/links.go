package pagination

import "encoding/json"

// Links maps link relation names to URLs. Planet resources embed these
// under "_links"; relations whose value is not a string are dropped.
type Links map[string]string

// UnmarshalJSON implements json.Unmarshaler.
func (l *Links) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	links := make(Links, len(raw))
	for rel, v := range raw {
		var href string
		if err := json.Unmarshal(v, &href); err != nil {
			continue
		}
		links[rel] = href
	}
	*l = links
	return nil
}

// Get returns the URL for rel, or "" when absent.
func (l Links) Get(rel string) string {
	return l[rel]
}

// Has reports whether rel is present.
func (l Links) Has(rel string) bool {
	_, ok := l[rel]
	return ok
}
