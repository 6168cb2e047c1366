// Package transformer provides change-event encoders for sinks.
package transformer

import (
	"encoding/json"

	"github.com/pgpulse/pgpulse/publish"
)

func init() {
	publish.RegisterTransformer("json", func() publish.Transformer {
		return &JSONTransformer{}
	})
}

// JSONTransformer encodes change events as JSON objects.
type JSONTransformer struct{}

func (t *JSONTransformer) Transform(event publish.ChangeEvent) ([]byte, error) {
	return json.Marshal(event)
}
