package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	logx "github.com/synochat-relay/server/pkg/logger"
)

var errTruncatedBody = errors.New("response body ended before the JSON document closed")

// decodeJSON unmarshals body into v. Malformed bodies get one repair attempt;
// some OpenAI-compatible gateways emit trailing commas or stray bytes. A body
// that ends early is never repaired, since the completed text would be a
// partial reply.
func decodeJSON(body []byte, v any) error {
	err := json.Unmarshal(body, v)
	if err == nil {
		return nil
	}
	if truncated(err) {
		return fmt.Errorf("decode response: %w: %w", errTruncatedBody, err)
	}

	repaired, repairErr := jsonrepair.JSONRepair(string(body))
	if repairErr != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("decode repaired response: %w", err)
	}
	logx.Debug().Int("bytes", len(body)).Msg("backend response needed JSON repair")
	return nil
}

func truncated(err error) bool {
	var se *json.SyntaxError
	return errors.As(err, &se) && strings.Contains(se.Error(), "unexpected end of JSON input")
}
