package store

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// history pagination starts from the far future when no cursor is supplied.
var cursorMax = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

const cursorMaxID = "ffffffff-ffff-ffff-ffff-ffffffffffff"

// encodeCursor packs the (created_at, id) position of the oldest returned
// message into an opaque token.
func encodeCursor(at time.Time, id string) string {
	raw := at.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return cursorMax, cursorMaxID, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return at, parts[1], nil
}
