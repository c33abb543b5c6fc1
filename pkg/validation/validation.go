package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex matches stream and user ids: uuids or simple slugs.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	MaxIDLength          = 64
	MaxTitleLength       = 120
	MaxDescriptionLength = 2000
	MaxDisplayNameLength = 50
)

// ValidateUsername validates username
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) < 3 {
		return fmt.Errorf("username must be at least 3 characters")
	}
	if len(username) > 50 {
		return fmt.Errorf("username is too long (max 50 characters)")
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateStreamID checks a client supplied stream id. Empty is allowed
// where the server assigns one, so callers check presence themselves.
func ValidateStreamID(streamID string) error {
	if len(streamID) > MaxIDLength {
		return fmt.Errorf("stream id is too long (max %d characters)", MaxIDLength)
	}
	if streamID != "" && !IDRegex.MatchString(streamID) {
		return fmt.Errorf("stream id contains invalid characters")
	}
	return nil
}

func ValidateTitle(title string) error {
	return ValidateStringLength(title, 0, MaxTitleLength, "title")
}

func ValidateDescription(description string) error {
	return ValidateStringLength(description, 0, MaxDescriptionLength, "description")
}

func ValidateDisplayName(name string) error {
	return ValidateStringLength(name, 0, MaxDisplayNameLength, "display name")
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength counts runes, not bytes.
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
