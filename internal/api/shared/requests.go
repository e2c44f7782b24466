package shared

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// MaxRequestBytes caps admin request bodies.
const MaxRequestBytes = 1 << 20

var validate = validator.New()

// DecodeJSON decodes the request body into v, rejecting unknown fields and
// trailing data. An empty body leaves v untouched.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON body")
	}
	return nil
}

// ValidateRequest validates v with its struct tags.
func ValidateRequest(v any) error {
	return validate.Struct(v)
}
