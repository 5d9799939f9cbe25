package store

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so equal states encode to equal
// bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so older binaries can read newer values.
var decMode cbor.DecMode

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func decodeCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// encodeJSON and decodeJSON handle values of schema version 1.
func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
