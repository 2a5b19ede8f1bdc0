package codec

import (
	"encoding/json"
	"fmt"

	"github.com/Joy-less/RemSend-sub000/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, easy to debug with packet dumps.
// Cons: slower, and the payload is base64-inflated.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env *message.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (c *JSONCodec) Decode(data []byte, env *message.Envelope) error {
	if err := json.Unmarshal(data, env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
