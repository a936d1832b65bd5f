package usage

import (
	"strconv"
	"strings"
	"time"
)

// BuildIdempotencyKey derives the replay-protection member for a tool result.
// The key is stable across re-deliveries of the same result so the same charge
// is never applied twice. When the call ID is missing there is nothing stable
// to key on, so a timestamp member is used and the charge is applied at most
// once per build.
func BuildIdempotencyKey(toolsetKey, toolName, callID string, resultID int, version int) string {
	parts := []string{
		strings.TrimSpace(toolsetKey),
		strings.TrimSpace(toolName),
	}
	callID = strings.TrimSpace(callID)
	if callID == "" {
		callID = "t" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	parts = append(parts, callID, strconv.Itoa(resultID)+"_v"+strconv.Itoa(version))
	return strings.Join(parts, ":")
}
