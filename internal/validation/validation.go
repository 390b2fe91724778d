package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/weather-insights/internal/models"
)

// ErrNameEmpty is returned when a location name is empty or whitespace-only after trim.
var ErrNameEmpty = errors.New("location name is required")

// ErrNameTooLong is returned when a location name exceeds the maximum length.
var ErrNameTooLong = errors.New("location name too long")

// ErrNameInvalidChars is returned when a location name contains disallowed characters.
var ErrNameInvalidChars = errors.New("location name contains invalid characters")

// ErrCoordinates is returned when latitude or longitude are out of range.
var ErrCoordinates = errors.New("location coordinates out of range")

// MaxNameLength bounds location names in runes.
const MaxNameLength = 100

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateName trims the input, enforces the length bound (in runes) and restricts
// characters to letters (Unicode), digits, space, comma, hyphen, period and apostrophe.
// Returns the trimmed name.
func ValidateName(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrNameEmpty
	}
	if len(r) > MaxNameLength {
		return "", ErrNameTooLong
	}
	for _, c := range r {
		if !isAllowedNameRune(c) {
			return "", ErrNameInvalidChars
		}
	}
	return s, nil
}

// ValidateLocation checks the name rules and the latitude/longitude struct tags on models.Location.
// Returns the location with its name trimmed.
func ValidateLocation(loc models.Location) (models.Location, error) {
	name, err := ValidateName(loc.Name)
	if err != nil {
		return models.Location{}, err
	}
	loc.Name = name
	if err := validate.Struct(loc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return models.Location{}, fmt.Errorf("%w: %s %v", ErrCoordinates, strings.ToLower(verrs[0].Field()), verrs[0].Value())
		}
		return models.Location{}, fmt.Errorf("validate location %q: %w", name, err)
	}
	return loc, nil
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}
