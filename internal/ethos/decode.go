package ethos

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// ErrMalformedResponse is returned when a directory response has an unknown shape.
var ErrMalformedResponse = errors.New("malformed directory response")

// zeroAddress is returned by the directory for identities without a wallet.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// Stats is the canonical engagement data of a profile.
type Stats struct {
	ReviewCount              int
	PositiveReviewPercentage float64
	VouchCount               int
	VouchBalance             float64
}

// envelope is the {"ok":..,"data":..} wrapper used by most endpoints.
type envelope struct {
	Ok    *bool           `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// statsWire covers the nested and the flat stats shapes.
type statsWire struct {
	Reviews *struct {
		Received                 int     `json:"received"`
		PositiveReviewPercentage float64 `json:"positiveReviewPercentage"`
	} `json:"reviews"`
	Vouches *struct {
		Count struct {
			Received int `json:"received"`
		} `json:"count"`
		Balance struct {
			Received float64 `json:"received"`
		} `json:"balance"`
	} `json:"vouches"`
	ReviewCount              *int     `json:"reviewCount"`
	PositiveReviewPercentage *float64 `json:"positiveReviewPercentage"`
	VouchCount               *int     `json:"vouchCount"`
	VouchBalance             *float64 `json:"vouchBalance"`
}

// keyedEntry is an element of an array-shaped bulk response.
type keyedEntry struct {
	Userkey string `json:"userkey"`
	UserKey string `json:"userKey"`
}

// unwrap strips an envelope when present.
func unwrap(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}

	if trimmed[0] != '{' {
		return trimmed, nil
	}

	var env envelope
	if err := sonic.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	if env.Ok != nil && !*env.Ok {
		return nil, fmt.Errorf("%w: directory error %q", ErrMalformedResponse, env.Error)
	}

	if env.Ok != nil && len(env.Data) > 0 {
		return bytes.TrimSpace(env.Data), nil
	}

	return trimmed, nil
}

// decodeScore accepts bare numbers, numeric strings, null and objects with a score field.
func decodeScore(raw []byte) (*int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty score", ErrMalformedResponse)
	}

	switch raw[0] {
	case 'n':
		if string(raw) == "null" {
			return nil, nil
		}
	case '{':
		var obj map[string]any
		if err := sonic.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}

		value, ok := obj["score"]
		if !ok {
			return nil, fmt.Errorf("%w: score object without score", ErrMalformedResponse)
		}

		return scoreFromValue(value)
	case '"':
		var s string
		if err := sonic.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}

		return parseScoreNumber(s)
	default:
		return parseScoreNumber(string(raw))
	}

	return nil, fmt.Errorf("%w: unexpected score %q", ErrMalformedResponse, raw)
}

// scoreFromValue converts a generically decoded score field.
func scoreFromValue(value any) (*int, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float64:
		return parseScoreNumber(strconv.FormatFloat(v, 'f', -1, 64))
	case string:
		return parseScoreNumber(v)
	default:
		return nil, fmt.Errorf("%w: unexpected score type %T", ErrMalformedResponse, value)
	}
}

func parseScoreNumber(s string) (*int, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: unexpected score %q", ErrMalformedResponse, s)
	}

	score := int(math.Round(f))

	return &score, nil
}

// decodeStats accepts the nested and flat stats objects.
func decodeStats(raw []byte) (Stats, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Stats{}, fmt.Errorf("%w: stats is not an object", ErrMalformedResponse)
	}

	var wire statsWire
	if err := sonic.Unmarshal(raw, &wire); err != nil {
		return Stats{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	var stats Stats

	if wire.Reviews != nil {
		stats.ReviewCount = wire.Reviews.Received
		stats.PositiveReviewPercentage = wire.Reviews.PositiveReviewPercentage
	}

	if wire.Vouches != nil {
		stats.VouchCount = wire.Vouches.Count.Received
		stats.VouchBalance = wire.Vouches.Balance.Received
	}

	if wire.ReviewCount != nil {
		stats.ReviewCount = *wire.ReviewCount
	}

	if wire.PositiveReviewPercentage != nil {
		stats.PositiveReviewPercentage = *wire.PositiveReviewPercentage
	}

	if wire.VouchCount != nil {
		stats.VouchCount = *wire.VouchCount
	}

	if wire.VouchBalance != nil {
		stats.VouchBalance = *wire.VouchBalance
	}

	return stats, nil
}

// decodeAddress accepts a bare string or an object with primaryAddress.
// Zero addresses decode to the empty string.
func decodeAddress(raw []byte) (string, error) {
	raw = bytes.TrimSpace(raw)

	var address string

	switch {
	case len(raw) == 0:
		return "", fmt.Errorf("%w: empty address", ErrMalformedResponse)
	case raw[0] == '"':
		if err := sonic.Unmarshal(raw, &address); err != nil {
			return "", fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
	case raw[0] == '{':
		var obj struct {
			PrimaryAddress string `json:"primaryAddress"`
		}
		if err := sonic.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}

		address = obj.PrimaryAddress
	case string(raw) == "null":
		return "", nil
	default:
		return "", fmt.Errorf("%w: unexpected address %q", ErrMalformedResponse, raw)
	}

	return normalizeAddress(address), nil
}

func normalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if strings.EqualFold(address, zeroAddress) {
		return ""
	}

	return address
}

// decodeBool accepts booleans, boolean strings and objects with an ownsValidator field.
func decodeBool(raw []byte) (bool, error) {
	raw = bytes.TrimSpace(raw)

	switch string(raw) {
	case "true", `"true"`:
		return true, nil
	case "false", `"false"`, "null":
		return false, nil
	}

	if len(raw) > 0 && raw[0] == '{' {
		var obj struct {
			OwnsValidator *bool `json:"ownsValidator"`
		}
		if err := sonic.Unmarshal(raw, &obj); err == nil && obj.OwnsValidator != nil {
			return *obj.OwnsValidator, nil
		}
	}

	if len(raw) > 0 && raw[0] == '[' {
		var items []json.RawMessage
		if err := sonic.Unmarshal(raw, &items); err == nil {
			return len(items) > 0, nil
		}
	}

	return false, fmt.Errorf("%w: unexpected boolean %q", ErrMalformedResponse, raw)
}

// decodeKeyed turns a bulk response into per-userkey entries.
// Both maps keyed by userkey and arrays of objects carrying a userkey are accepted.
func decodeKeyed(raw []byte) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty bulk response", ErrMalformedResponse)
	}

	switch raw[0] {
	case '{':
		var entries map[string]json.RawMessage
		if err := sonic.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}

		return entries, nil
	case '[':
		var items []json.RawMessage
		if err := sonic.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}

		entries := make(map[string]json.RawMessage, len(items))
		for _, item := range items {
			var key keyedEntry
			if err := sonic.Unmarshal(item, &key); err != nil {
				continue
			}

			switch {
			case key.Userkey != "":
				entries[key.Userkey] = item
			case key.UserKey != "":
				entries[key.UserKey] = item
			}
		}

		return entries, nil
	default:
		return nil, fmt.Errorf("%w: unexpected bulk shape", ErrMalformedResponse)
	}
}
