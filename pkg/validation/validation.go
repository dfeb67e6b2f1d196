package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxRoomNameLength = 256
	maxAlertIDLength  = 128
)

// AlertIDRegex matches uuid-style alert ids.
var AlertIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateRoomName checks a room name taken from a URL path.
func ValidateRoomName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("room name is required")
	}
	if len(name) > maxRoomNameLength {
		return fmt.Errorf("room name is too long (max %d bytes)", maxRoomNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("room name is not valid UTF-8")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("room name contains control characters")
		}
	}
	return nil
}

func ValidateAlertID(id string) error {
	if id == "" {
		return fmt.Errorf("alert ID is required")
	}
	if err := ValidateStringLength(id, 1, maxAlertIDLength, "alert ID"); err != nil {
		return err
	}
	if !AlertIDRegex.MatchString(id) {
		return fmt.Errorf("invalid alert ID format")
	}
	return nil
}

// ValidateOneOf checks that value is one of allowed.
func ValidateOneOf(value, fieldName string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (must be one of %s)", fieldName, value, strings.Join(allowed, ", "))
}

// ValidateURL accepts http, https, ws and wss URLs with a host.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateOrigin accepts "*" or an http(s) origin without a path.
func ValidateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid origin %q (must be * or an http(s) origin)", origin)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("invalid origin %q (must not have a path)", origin)
	}
	return nil
}

// ValidateStringLength checks the length of s in runes.
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
