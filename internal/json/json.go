// Package json replaces encoding/json with jsoniter. The metadata
// snapshot stores one record per path, so encoding speed matters for
// large trees.
package json

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

type RawMessage = jsoniter.RawMessage

type Decoder = jsoniter.Decoder

func NewDecoder(r io.Reader) *Decoder {
	return jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(r)
}

type Encoder = jsoniter.Encoder

func NewEncoder(w io.Writer) *Encoder {
	return jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
}

func Marshal(v interface{}) ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, v)
}
