package decode

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// BroadcastNum is the radio address of every node.
	BroadcastNum uint32 = 0xffffffff
	// BroadcastAlias is the destination string the radio library uses for broadcasts.
	BroadcastAlias = "^all"
)

// FormatNodeID renders a node number as the canonical "!%08x" id.
func FormatNodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID converts "!hex8", "^all", "0x..." or decimal strings into a node number.
func ParseNodeID(id string) (uint32, bool) {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return 0, false
	case id == BroadcastAlias:
		return BroadcastNum, true
	case strings.HasPrefix(id, "!"):
		n, err := strconv.ParseUint(id[1:], 16, 32)
		if err != nil {
			return 0, false
		}
		return uint32(n), true
	case strings.HasPrefix(id, "0x"), strings.HasPrefix(id, "0X"):
		n, err := strconv.ParseUint(id[2:], 16, 32)
		if err != nil {
			return 0, false
		}
		return uint32(n), true
	default:
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return 0, false
		}
		return uint32(n), true
	}
}

// NormalizeNodeID accepts any supported id shape and returns "!%08x",
// or "" when the value cannot be interpreted.
func NormalizeNodeID(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		if val == BroadcastAlias {
			return val
		}
		if n, ok := ParseNodeID(val); ok {
			return FormatNodeID(n)
		}
		return ""
	default:
		n, ok := toInt(v)
		if !ok || n < 0 || n > int64(BroadcastNum) {
			return ""
		}
		return FormatNodeID(uint32(n))
	}
}

// IsBroadcast reports whether the destination addresses every node.
func IsBroadcast(id string) bool {
	if id == "" || id == BroadcastAlias {
		return true
	}
	n, ok := ParseNodeID(id)
	return ok && n == BroadcastNum
}
