package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// IDRegex validates record, conversation and user identifiers
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_:.@-]+$`)

	requiredSDPFields = []string{"v=", "o=", "s=", "t="}
)

const maxIDLength = 128

func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", kind)
	}
	return nil
}

// ValidateCallID validates call ID
func ValidateCallID(id string) error {
	return validateID("call ID", id)
}

// ValidateConversationID validates conversation ID
func ValidateConversationID(id string) error {
	return validateID("conversation ID", id)
}

// ValidateUserID validates user ID
func ValidateUserID(id string) error {
	return validateID("user ID", id)
}

// ValidateSDP validates SDP format
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range requiredSDPFields {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// ValidateSessionDescription checks the type matches what the caller
// expects and the payload looks like SDP.
func ValidateSessionDescription(descType, sdp, expectedType string) error {
	if descType != expectedType {
		return fmt.Errorf("expected %s description, got %q", expectedType, descType)
	}
	return ValidateSDP(sdp)
}

// ValidateICECandidate validates the candidate attribute line
func ValidateICECandidate(candidate string) error {
	if candidate == "" {
		return fmt.Errorf("candidate is required")
	}
	c := strings.TrimPrefix(candidate, "a=")
	if !strings.HasPrefix(c, "candidate:") {
		return fmt.Errorf("invalid candidate format: must start with 'candidate:'")
	}
	if len(strings.Fields(c)) < 8 {
		return fmt.Errorf("invalid candidate format: too few fields")
	}
	return nil
}

// ValidateICEServerURL validates a STUN/TURN URL
func ValidateICEServerURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("ICE server URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid ICE server URL: %w", err)
	}
	switch u.Scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("invalid ICE server scheme %q (must be stun, stuns, turn or turns)", u.Scheme)
	}
	if u.Opaque == "" {
		return fmt.Errorf("ICE server URL must have a host")
	}
	return nil
}
