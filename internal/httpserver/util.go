package httpserver

import (
	"encoding/json"
	"io"
)

// decodeJSON decodes a JSON request body into the destination struct.
// The reader will be closed after decoding. Unknown fields are tolerated:
// messenger updates carry far more fields than the dispatcher consumes.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	return json.NewDecoder(r).Decode(dest)
}
