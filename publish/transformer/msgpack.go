package transformer

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pgpulse/pgpulse/publish"
)

func init() {
	publish.RegisterTransformer("msgpack", func() publish.Transformer {
		return &MsgpackTransformer{}
	})
}

// MsgpackTransformer encodes change events as msgpack, roughly half the
// payload size of the JSON form.
type MsgpackTransformer struct{}

func (t *MsgpackTransformer) Transform(event publish.ChangeEvent) ([]byte, error) {
	return msgpack.Marshal(event)
}
